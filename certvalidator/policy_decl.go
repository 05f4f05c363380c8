// Package certvalidator provides X.509 certificate path validation.
// This file contains PKIX validation parameters and policy declarations.
package certvalidator

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

// ErrWeakAlgorithm is returned when an AlgorithmUsagePolicy rejects a signature.
var ErrWeakAlgorithm = errors.New("signature algorithm not allowed")

// CertSelector is a predicate the end-entity certificate must satisfy.
type CertSelector interface {
	Match(cert *x509.Certificate) bool
}

// CertSelectorFunc adapts a function to CertSelector.
type CertSelectorFunc func(cert *x509.Certificate) bool

// Match calls f(cert).
func (f CertSelectorFunc) Match(cert *x509.Certificate) bool {
	return f(cert)
}

// RemainingCriticalExtensions holds the critical extension OIDs of a
// certificate that have not been consumed yet.
type RemainingCriticalExtensions struct {
	oids mapset.Set[string]
}

// NewRemainingCriticalExtensions collects the critical extensions of cert.
func NewRemainingCriticalExtensions(cert *x509.Certificate) *RemainingCriticalExtensions {
	return &RemainingCriticalExtensions{
		oids: mapset.NewThreadUnsafeSet(CriticalExtensionOIDs(cert.Extensions)...),
	}
}

// Contains reports whether oid is still unconsumed.
func (r *RemainingCriticalExtensions) Contains(oid string) bool {
	return r.oids.Contains(oid)
}

// Consume marks the OIDs as understood.
func (r *RemainingCriticalExtensions) Consume(oids ...string) {
	for _, oid := range oids {
		r.oids.Remove(oid)
	}
}

// IsEmpty reports whether every critical extension has been consumed.
func (r *RemainingCriticalExtensions) IsEmpty() bool {
	return r.oids.Cardinality() == 0
}

// OIDs returns the unconsumed OIDs in sorted order.
func (r *RemainingCriticalExtensions) OIDs() []string {
	out := r.oids.ToSlice()
	sort.Strings(out)
	return out
}

// ExtensionChecker consumes the critical extensions it understands, or
// fails the certificate.
type ExtensionChecker interface {
	Check(cert *x509.Certificate, remaining *RemainingCriticalExtensions) error
}

// ExtensionCheckerFunc adapts a function to ExtensionChecker.
type ExtensionCheckerFunc func(cert *x509.Certificate, remaining *RemainingCriticalExtensions) error

// Check calls f(cert, remaining).
func (f ExtensionCheckerFunc) Check(cert *x509.Certificate, remaining *RemainingCriticalExtensions) error {
	return f(cert, remaining)
}

// ValidationParams contains the inputs to one path validation run.
type ValidationParams struct {
	// TrustAnchors are the candidate anchors for the last certificate.
	TrustAnchors []*TrustAnchor

	// InitialPolicies is the user-initial-policy-set. A nil set, or one
	// containing AnyPolicy, accepts any policy.
	InitialPolicies mapset.Set[string]

	ExplicitPolicyRequired bool
	PolicyMappingInhibited bool
	AnyPolicyInhibited     bool
	RevocationEnabled      bool

	// ValidationTime is the instant the path is validated at. When zero,
	// Clock.Now() is used.
	ValidationTime time.Time
	Clock          clockwork.Clock

	// TargetConstraints, if set, must match the end-entity certificate.
	TargetConstraints CertSelector

	// CRLStores are consulted when RevocationEnabled is set.
	CRLStores []revinfo.CRLStore

	// ExtensionCheckers run in order against every certificate.
	ExtensionCheckers []ExtensionChecker

	// Verifier defaults to DefaultSignatureVerifier.
	Verifier SignatureVerifier

	// AlgorithmPolicy, if set, is consulted before each signature check.
	AlgorithmPolicy AlgorithmUsagePolicy

	// Logger defaults to log.L.
	Logger *log.Entry
}

// NewValidationParams returns parameters that accept any policy and use
// the given trust anchors.
func NewValidationParams(anchors ...*TrustAnchor) *ValidationParams {
	return &ValidationParams{
		TrustAnchors: anchors,
	}
}

func (p *ValidationParams) validationTime() time.Time {
	if !p.ValidationTime.IsZero() {
		return p.ValidationTime
	}
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return clockwork.NewRealClock().Now()
}

func (p *ValidationParams) verifier() SignatureVerifier {
	if p.Verifier != nil {
		return p.Verifier
	}
	return NewDefaultSignatureVerifier()
}

func (p *ValidationParams) logger() *log.Entry {
	if p.Logger != nil {
		return p.Logger
	}
	return log.L
}

// acceptsAnyPolicy reports whether the initial policy set is "any".
func (p *ValidationParams) acceptsAnyPolicy() bool {
	return p.InitialPolicies == nil || p.InitialPolicies.Contains(AnyPolicy)
}

// AlgorithmUsagePolicy decides whether a signature mechanism may be used.
type AlgorithmUsagePolicy interface {
	SignatureAlgorithmAllowed(algo x509.SignatureAlgorithm, publicKey crypto.PublicKey) error
}

// DisallowWeakAlgorithmsPolicy forbids weak algorithms and allows everything else.
type DisallowWeakAlgorithmsPolicy struct {
	// WeakHashAlgos contains digest algorithms considered weak.
	WeakHashAlgos map[crypto.Hash]bool

	// WeakSignatureAlgos contains signature algorithms considered weak.
	WeakSignatureAlgos map[x509.SignatureAlgorithm]bool

	// RSAKeySizeThreshold is the minimum RSA key size in bits.
	RSAKeySizeThreshold int

	// DSAKeySizeThreshold is the minimum DSA key size in bits.
	DSAKeySizeThreshold int
}

// NewDisallowWeakAlgorithmsPolicy creates a new policy with defaults.
func NewDisallowWeakAlgorithmsPolicy() *DisallowWeakAlgorithmsPolicy {
	return &DisallowWeakAlgorithmsPolicy{
		WeakHashAlgos: map[crypto.Hash]bool{
			crypto.MD5:  true,
			crypto.SHA1: true,
		},
		WeakSignatureAlgos:  make(map[x509.SignatureAlgorithm]bool),
		RSAKeySizeThreshold: 2048,
		DSAKeySizeThreshold: 3072,
	}
}

// SignatureAlgorithmAllowed checks if a signature algorithm is allowed.
func (p *DisallowWeakAlgorithmsPolicy) SignatureAlgorithmAllowed(algo x509.SignatureAlgorithm, publicKey crypto.PublicKey) error {
	if p.WeakSignatureAlgos[algo] {
		return fmt.Errorf("%w: %s", ErrWeakAlgorithm, algo)
	}

	details, known := signatureAlgorithmDetails[algo]
	if publicKey != nil && known {
		keySize := publicKeySize(publicKey)
		switch {
		case details.family == x509.RSA && keySize < p.RSAKeySizeThreshold:
			return fmt.Errorf("%w: key size %d for %s is too small; policy mandates >= %d",
				ErrWeakAlgorithm, keySize, algo, p.RSAKeySizeThreshold)
		case details.family == x509.DSA && keySize < p.DSAKeySizeThreshold:
			return fmt.Errorf("%w: key size %d for %s is too small; policy mandates >= %d",
				ErrWeakAlgorithm, keySize, algo, p.DSAKeySizeThreshold)
		}
	}

	if algo == x509.MD5WithRSA || (known && p.WeakHashAlgos[details.hash]) {
		return fmt.Errorf("%w: digest of %s is considered weak", ErrWeakAlgorithm, algo)
	}
	return nil
}

// AcceptAllAlgorithmsPolicy accepts all algorithms.
type AcceptAllAlgorithmsPolicy struct{}

// SignatureAlgorithmAllowed always returns nil.
func (AcceptAllAlgorithmsPolicy) SignatureAlgorithmAllowed(x509.SignatureAlgorithm, crypto.PublicKey) error {
	return nil
}

func publicKeySize(publicKey crypto.PublicKey) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *dsa.PublicKey:
		return key.P.BitLen()
	case *ecdsa.PublicKey:
		if key.Curve != nil {
			return key.Curve.Params().BitSize
		}
		return 0
	default:
		return 0
	}
}
