// Package certvalidator provides X.509 certificate path validation.
// This file implements RFC 5280 PKIX certification path validation.
package certvalidator

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
)

// ErrEmptyChain is returned when ValidatePath is given no certificates.
var ErrEmptyChain = errors.New("certificate chain is empty")

// ValidationResult holds the outcome of a successful path validation.
type ValidationResult struct {
	TrustAnchor *TrustAnchor

	// PolicyTree is the final valid_policy_tree, nil when it is empty.
	PolicyTree *PolicyTree

	WorkingPublicKey          crypto.PublicKey
	WorkingPublicKeyAlgorithm x509.PublicKeyAlgorithm

	// AcceptablePolicies is the set of policy OIDs every certificate of
	// the path declared, or {anyPolicy} if none restricted it.
	AcceptablePolicies mapset.Set[string]

	ValidationTime time.Time
}

// PathValidator performs RFC 5280 path validation. It holds no state
// between calls and is safe for concurrent use.
type PathValidator struct {
	// observe, when set, sees the state after each certificate.
	observe func(index int, state *ValidationState)
}

// NewPathValidator creates a new PKIX path validator.
func NewPathValidator() *PathValidator {
	return &PathValidator{}
}

// ValidatePath validates chain, ordered end-entity first, against params.
// Validation failures are returned as *ValidationError.
func (v *PathValidator) ValidatePath(chain []*x509.Certificate, params *ValidationParams) (*ValidationResult, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	if params == nil {
		params = NewValidationParams()
	}

	run := &pathValidation{
		chain:    chain,
		params:   params,
		verifier: params.verifier(),
		logger:   params.logger(),
		at:       params.validationTime(),
		observe:  v.observe,
	}
	result, err := run.validate()
	if err != nil {
		run.logger.WithError(err).Debug("path validation failed")
		return nil, err
	}
	return result, nil
}

// ValidatePath validates chain with a fresh PathValidator.
func ValidatePath(chain []*x509.Certificate, params *ValidationParams) (*ValidationResult, error) {
	return NewPathValidator().ValidatePath(chain, params)
}

// pathValidation is the state of one ValidatePath call.
type pathValidation struct {
	chain    []*x509.Certificate
	params   *ValidationParams
	verifier SignatureVerifier
	logger   *log.Entry
	at       time.Time
	observe  func(int, *ValidationState)

	anchor     *TrustAnchor
	state      *ValidationState
	revocation *RevocationChecker

	// policyOffset is 1 when the anchor's own certificate ends the chain;
	// that certificate takes no part in policy processing.
	policyOffset int
}

func (p *pathValidation) validate() (*ValidationResult, error) {
	n := len(p.chain)

	if sel := p.params.TargetConstraints; sel != nil && !sel.Match(p.chain[0]) {
		return nil, newValidationError(0, TargetConstraintsMismatch, nil)
	}

	anchor, err := FindTrustAnchor(p.chain[n-1], p.params.TrustAnchors, p.verifier, n-1)
	if err != nil {
		return nil, err
	}
	p.anchor = anchor
	if anchor.isAnchorCertificate(p.chain[n-1]) {
		p.policyOffset = 1
	}
	p.state = NewValidationState(n, anchor, p.params, p.verifier)
	p.state.PolicyTree = NewPolicyTree(n - p.policyOffset)
	if p.params.RevocationEnabled {
		p.revocation = &RevocationChecker{
			Stores:   p.params.CRLStores,
			Verifier: p.verifier,
			Logger:   p.logger,
		}
	}

	p.logger.WithFields(log.Fields{
		"path_length":  n,
		"trust_anchor": anchor.String(),
		"at":           p.at.UTC().Format(time.RFC3339),
	}).Debug("validating certification path")

	for index := n - 1; index >= 0; index-- {
		if err := p.processCertificate(index); err != nil {
			return nil, err
		}
		if index > 0 {
			if err := p.prepareNextCertificate(index); err != nil {
				return nil, err
			}
		}
		if p.observe != nil {
			p.observe(index, p.state)
		}
	}

	return p.wrapUp()
}

// position returns i, the RFC 5280 position of the certificate at index.
func (p *pathValidation) position(index int) int {
	return len(p.chain) - index
}

// isAnchorCertificate reports whether index holds the anchor's own certificate.
func (p *pathValidation) isAnchorCertificate(index int) bool {
	return p.policyOffset == 1 && index == len(p.chain)-1
}

// processCertificate applies RFC 5280 6.1.3.
func (p *pathValidation) processCertificate(index int) error {
	cert := p.chain[index]
	isLast := index == 0
	p.logger.WithFields(log.Fields{
		"index":   index,
		"subject": cert.Subject.String(),
		"serial":  cert.SerialNumber.String(),
	}).Debug("processing certificate")

	if err := p.checkSignature(index, cert); err != nil {
		return err
	}
	if err := p.checkValidity(index, cert); err != nil {
		return err
	}
	if p.revocation != nil {
		if err := p.revocation.Check(index, cert, p.issuerOf(index), p.state.WorkingPublicKey, p.at); err != nil {
			return err
		}
	}
	if err := p.checkIssuerName(index, cert); err != nil {
		return err
	}
	if !IsSelfIssued(cert) || isLast {
		if err := p.checkNameConstraints(index, cert); err != nil {
			return err
		}
	}
	if p.isAnchorCertificate(index) {
		return nil
	}
	return p.processCertificatePolicies(index, cert)
}

// issuerOf returns the certificate that issued the one at index, if known.
func (p *pathValidation) issuerOf(index int) *x509.Certificate {
	if index+1 < len(p.chain) {
		return p.chain[index+1]
	}
	return p.anchor.Certificate()
}

// checkSignature verifies the certificate signature (Section 6.1.3 (a)(1)).
func (p *pathValidation) checkSignature(index int, cert *x509.Certificate) error {
	if policy := p.params.AlgorithmPolicy; policy != nil {
		if err := policy.SignatureAlgorithmAllowed(cert.SignatureAlgorithm, p.state.WorkingPublicKey); err != nil {
			return newValidationError(index, SignatureInvalid, err)
		}
	}
	if err := VerifyCertificateSignature(p.verifier, cert, p.state.WorkingPublicKey); err != nil {
		return newValidationError(index, SignatureInvalid, err)
	}
	return nil
}

// checkValidity checks the certificate validity period (Section 6.1.3 (a)(2)).
func (p *pathValidation) checkValidity(index int, cert *x509.Certificate) error {
	if p.at.After(cert.NotAfter) {
		return newValidationError(index, Expired, &ExpiredError{ExpiredDt: cert.NotAfter, Moment: p.at})
	}
	if p.at.Before(cert.NotBefore) {
		return newValidationError(index, NotYetValid, &NotYetValidError{ValidFrom: cert.NotBefore, Moment: p.at})
	}
	return nil
}

// checkIssuerName verifies the issuer name matches (Section 6.1.3 (a)(4)).
// The comparison is on the encoded names.
func (p *pathValidation) checkIssuerName(index int, cert *x509.Certificate) error {
	if bytes.Equal(cert.RawIssuer, p.state.WorkingIssuerName) {
		return nil
	}
	expected, _ := ParseDistinguishedName(p.state.WorkingIssuerName)
	actual, _ := ParseDistinguishedName(cert.RawIssuer)
	return newValidationError(index, NameChainingMismatch, &NameChainingError{Expected: expected, Actual: actual})
}

// checkNameConstraints applies Section 6.1.3 (b) and (c).
func (p *pathValidation) checkNameConstraints(index int, cert *x509.Certificate) error {
	names, err := subjectNamesOf(cert)
	if err != nil {
		return newValidationError(index, MalformedExtension, err)
	}
	if err := p.state.NameConstraints.CheckPermitted(names); err != nil {
		return newValidationError(index, PermittedSubtreeViolation, err)
	}
	if err := p.state.NameConstraints.CheckExcluded(names); err != nil {
		return newValidationError(index, ExcludedSubtreeViolation, err)
	}
	return nil
}

// processCertificatePolicies applies Section 6.1.3 (d) to (f).
func (p *pathValidation) processCertificatePolicies(index int, cert *x509.Certificate) error {
	s := p.state
	depth := p.position(index) - p.policyOffset

	value, critical, ok := FindExtension(cert.Extensions, OIDCertificatePolicies)
	switch {
	case ok && !s.PolicyTree.IsEmpty():
		policies, err := parseCertificatePolicies(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		anyAllowed := s.InhibitAnyPolicy > 0 || (IsSelfIssued(cert) && index > 0)
		s.PolicyTree.processCertificatePolicies(depth, policies, anyAllowed, critical)
		s.AcceptablePolicies = narrowAcceptable(s.AcceptablePolicies, policies)
	case !ok:
		s.PolicyTree = nil
		s.AcceptablePolicies = mapset.NewThreadUnsafeSet[string]()
	}

	if s.ExplicitPolicy <= 0 && s.PolicyTree.IsEmpty() {
		return newValidationError(index, PolicyProcessingFailed,
			errors.New("explicit policy required but the valid policy tree is empty"))
	}
	return nil
}

// narrowAcceptable intersects the acceptable policy set with the OIDs one
// certificate declares. anyPolicy on either side leaves the other unchanged.
func narrowAcceptable(prev mapset.Set[string], policies []CertificatePolicy) mapset.Set[string] {
	declared := mapset.NewThreadUnsafeSet[string]()
	for _, pol := range policies {
		declared.Add(pol.PolicyIdentifier)
	}
	switch {
	case prev.Contains(AnyPolicy):
		return declared
	case declared.Contains(AnyPolicy):
		return prev
	default:
		return prev.Intersect(declared)
	}
}

// prepareNextCertificate prepares state for the next certificate (Section 6.1.4).
func (p *pathValidation) prepareNextCertificate(index int) error {
	cert := p.chain[index]
	s := p.state
	anchorCert := p.isAnchorCertificate(index)
	selfIssued := IsSelfIssued(cert)

	if !anchorCert && cert.Version < 3 {
		return newValidationError(index, UnsupportedCertificateVersion,
			fmt.Errorf("version %d certificate cannot issue certificates", cert.Version))
	}

	// (a), (b)
	if value, _, ok := FindExtension(cert.Extensions, OIDPolicyMappings); ok && !anchorCert {
		mappings, err := parsePolicyMappings(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		for _, m := range mappings {
			if m.IssuerDomainPolicy == AnyPolicy || m.SubjectDomainPolicy == AnyPolicy {
				return newValidationError(index, PolicyMappingInvalid,
					fmt.Errorf("mapping %s to %s involves anyPolicy", m.IssuerDomainPolicy, m.SubjectDomainPolicy))
			}
		}
		s.PolicyTree.applyPolicyMappings(p.position(index)-p.policyOffset, mappings, s.PolicyMapping > 0)
	}

	// (g)
	if value, _, ok := FindExtension(cert.Extensions, OIDNameConstraints); ok {
		permitted, excluded, err := parseNameConstraints(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		s.NameConstraints.IntersectPermitted(permitted)
		s.NameConstraints.UnionExcluded(excluded)
	}

	// (h)
	if !selfIssued {
		s.decrementCounters()
	}

	// (i)
	if value, _, ok := FindExtension(cert.Extensions, OIDPolicyConstraints); ok {
		requireExplicit, inhibitMapping, err := parsePolicyConstraints(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		s.clampPolicyConstraints(requireExplicit, inhibitMapping)
	}

	// (j)
	if value, _, ok := FindExtension(cert.Extensions, OIDInhibitAnyPolicy); ok {
		skipCerts, err := parseInhibitAnyPolicy(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		s.clampInhibitAnyPolicy(skipCerts)
	}

	// (k)
	pathLen := -1
	value, _, ok := FindExtension(cert.Extensions, OIDBasicConstraints)
	switch {
	case ok:
		isCA, n, err := parseBasicConstraints(value)
		if err != nil {
			return newValidationError(index, MalformedExtension, err)
		}
		if !isCA && !anchorCert {
			return newValidationError(index, NotACertificateAuthority, nil)
		}
		pathLen = n
	case !anchorCert:
		return newValidationError(index, MissingBasicConstraints, nil)
	}

	// (l), (m)
	if !selfIssued {
		if s.MaxPathLength <= 0 {
			return newValidationError(index, PathLengthExceeded, nil)
		}
		s.MaxPathLength--
	}
	if pathLen >= 0 && pathLen < s.MaxPathLength {
		s.MaxPathLength = pathLen
	}

	// (n)
	if _, _, ok := FindExtension(cert.Extensions, OIDKeyUsage); ok && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return newValidationError(index, InvalidKeyUsage, errors.New("keyCertSign is not asserted"))
	}

	// (o)
	if err := p.checkCriticalExtensions(index, cert); err != nil {
		return err
	}

	s.advance(cert, p.verifier)
	return nil
}

// checkCriticalExtensions removes the extensions handled here, hands the
// rest to the caller's checkers and fails on anything left over.
func (p *pathValidation) checkCriticalExtensions(index int, cert *x509.Certificate) error {
	remaining := NewRemainingCriticalExtensions(cert)
	remaining.Consume(handledCriticalExtensions.ToSlice()...)
	for _, checker := range p.params.ExtensionCheckers {
		if err := checker.Check(cert, remaining); err != nil {
			return newValidationError(index, UnsupportedCriticalExtension, err)
		}
	}
	if !remaining.IsEmpty() {
		return newValidationError(index, UnsupportedCriticalExtension, &CriticalExtensionError{OIDs: remaining.OIDs()})
	}
	return nil
}

// wrapUp performs final validation steps (Section 6.1.5).
func (p *pathValidation) wrapUp() (*ValidationResult, error) {
	s := p.state
	cert := p.chain[0]

	// (a)
	if !IsSelfIssued(cert) && s.ExplicitPolicy != 0 {
		s.ExplicitPolicy--
	}

	// (b)
	if value, _, ok := FindExtension(cert.Extensions, OIDPolicyConstraints); ok {
		requireExplicit, _, err := parsePolicyConstraints(value)
		if err != nil {
			return nil, newValidationError(0, MalformedExtension, err)
		}
		if requireExplicit == 0 {
			s.ExplicitPolicy = 0
		}
	}

	// (f)
	if err := p.checkCriticalExtensions(0, cert); err != nil {
		return nil, err
	}

	// (g)
	depth := len(p.chain) - p.policyOffset
	if depth > 0 && !s.PolicyTree.IsEmpty() && !p.params.acceptsAnyPolicy() {
		s.PolicyTree.intersectWith(depth, p.params.InitialPolicies)
	}

	if s.ExplicitPolicy <= 0 && s.PolicyTree.IsEmpty() {
		return nil, newValidationError(0, PolicyProcessingFailed,
			errors.New("no acceptable policy remains in the valid policy tree"))
	}

	result := &ValidationResult{
		TrustAnchor:               p.anchor,
		WorkingPublicKey:          cert.PublicKey,
		WorkingPublicKeyAlgorithm: p.verifier.AlgorithmOf(cert.PublicKey),
		AcceptablePolicies:        s.AcceptablePolicies,
		ValidationTime:            p.at,
	}
	if !s.PolicyTree.IsEmpty() {
		result.PolicyTree = s.PolicyTree
	}

	p.logger.WithFields(log.Fields{
		"explicit_policy": s.ExplicitPolicy,
		"policies":        result.AcceptablePolicies.String(),
	}).Debug("certification path is valid")
	return result, nil
}
