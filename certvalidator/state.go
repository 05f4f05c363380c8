// Package certvalidator provides X.509 certificate path validation.
// This file contains validation process state management.
package certvalidator

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// ValidationState is the RFC 5280 6.1.2 state carried from one certificate
// to the next. It is created fresh for each validation run.
type ValidationState struct {
	// PathLength is n, the number of certificates in the chain.
	PathLength int

	ExplicitPolicy   int
	PolicyMapping    int
	InhibitAnyPolicy int
	MaxPathLength    int

	WorkingPublicKey          crypto.PublicKey
	WorkingPublicKeyAlgorithm x509.PublicKeyAlgorithm
	// WorkingIssuerName is the DER encoded name the next certificate's
	// issuer must equal.
	WorkingIssuerName []byte

	PolicyTree         *PolicyTree
	AcceptablePolicies mapset.Set[string]
	NameConstraints    *NameConstraints
}

// NewValidationState initialises the state for a chain of n certificates
// below anchor.
func NewValidationState(n int, anchor *TrustAnchor, params *ValidationParams, verifier SignatureVerifier) *ValidationState {
	initial := func(flag bool) int {
		if flag {
			return 0
		}
		return n + 1
	}
	return &ValidationState{
		PathLength:                n,
		ExplicitPolicy:            initial(params.ExplicitPolicyRequired),
		PolicyMapping:             initial(params.PolicyMappingInhibited),
		InhibitAnyPolicy:          initial(params.AnyPolicyInhibited),
		MaxPathLength:             n,
		WorkingPublicKey:          anchor.PublicKey(),
		WorkingPublicKeyAlgorithm: verifier.AlgorithmOf(anchor.PublicKey()),
		WorkingIssuerName:         anchor.RawName(),
		PolicyTree:                NewPolicyTree(n),
		AcceptablePolicies:        mapset.NewThreadUnsafeSet(AnyPolicy),
		NameConstraints:           NewNameConstraints(),
	}
}

// decrementCounters applies RFC 5280 6.1.4 (h) for a certificate that is
// not self-issued.
func (s *ValidationState) decrementCounters() {
	s.ExplicitPolicy = decrement(s.ExplicitPolicy)
	s.PolicyMapping = decrement(s.PolicyMapping)
	s.InhibitAnyPolicy = decrement(s.InhibitAnyPolicy)
}

// clampPolicyConstraints applies a policyConstraints extension. Negative
// values mean the field was absent.
func (s *ValidationState) clampPolicyConstraints(requireExplicit, inhibitMapping int) {
	if requireExplicit >= 0 && requireExplicit < s.ExplicitPolicy {
		s.ExplicitPolicy = requireExplicit
	}
	if inhibitMapping >= 0 && inhibitMapping < s.PolicyMapping {
		s.PolicyMapping = inhibitMapping
	}
}

func (s *ValidationState) clampInhibitAnyPolicy(skipCerts int) {
	if skipCerts < s.InhibitAnyPolicy {
		s.InhibitAnyPolicy = skipCerts
	}
}

// advance makes cert the working issuer for the next certificate.
func (s *ValidationState) advance(cert *x509.Certificate, verifier SignatureVerifier) {
	s.WorkingPublicKey = cert.PublicKey
	s.WorkingPublicKeyAlgorithm = verifier.AlgorithmOf(cert.PublicKey)
	s.WorkingIssuerName = cert.RawSubject
}

func (s *ValidationState) String() string {
	return fmt.Sprintf("explicit_policy=%d policy_mapping=%d inhibit_any_policy=%d max_path_length=%d",
		s.ExplicitPolicy, s.PolicyMapping, s.InhibitAnyPolicy, s.MaxPathLength)
}

func decrement(v int) int {
	if v > 0 {
		return v - 1
	}
	return 0
}

// IsSelfIssued reports whether the subject and issuer names of cert are
// identical.
func IsSelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}
