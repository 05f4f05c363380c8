// Package certvalidator provides X.509 certificate path validation.
// This file contains trust anchor representations and the anchor resolver.
package certvalidator

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// ErrNoTrustAnchor is the cause attached to TrustAnchorNotFound when no
// candidate anchor carried a matching name.
var ErrNoTrustAnchor = errors.New("no trust anchor matches the issuer of the last certificate")

// TrustAnchor is either a trusted certificate or a (name, public key) pair.
type TrustAnchor struct {
	cert      *x509.Certificate
	rawName   []byte
	name      DistinguishedName
	publicKey crypto.PublicKey
}

// NewCertTrustAnchor creates a trust anchor from a trusted certificate.
func NewCertTrustAnchor(cert *x509.Certificate) *TrustAnchor {
	name, err := ParseDistinguishedName(cert.RawSubject)
	if err != nil {
		name = NameFromPKIX(cert.Subject)
	}
	return &TrustAnchor{
		cert:      cert,
		rawName:   cert.RawSubject,
		name:      name,
		publicKey: cert.PublicKey,
	}
}

// NewNamedKeyTrustAnchor creates a trust anchor from a DER encoded name and
// a public key.
func NewNamedKeyTrustAnchor(rawName []byte, publicKey crypto.PublicKey) (*TrustAnchor, error) {
	name, err := ParseDistinguishedName(rawName)
	if err != nil {
		return nil, err
	}
	return &TrustAnchor{
		rawName:   bytes.Clone(rawName),
		name:      name,
		publicKey: publicKey,
	}, nil
}

// NewNamedKeyTrustAnchorFromPKIX encodes name the way x509.CreateCertificate
// would and creates a named key trust anchor from it.
func NewNamedKeyTrustAnchorFromPKIX(name pkix.Name, publicKey crypto.PublicKey) (*TrustAnchor, error) {
	raw, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("failed to encode trust anchor name: %w", err)
	}
	return NewNamedKeyTrustAnchor(raw, publicKey)
}

// Certificate returns the trusted certificate, or nil for a named key.
func (t *TrustAnchor) Certificate() *x509.Certificate {
	return t.cert
}

// RawName returns the DER encoded subject name of the anchor.
func (t *TrustAnchor) RawName() []byte {
	return t.rawName
}

// Name returns the decoded subject name of the anchor.
func (t *TrustAnchor) Name() DistinguishedName {
	return t.name
}

// PublicKey returns the anchor's public key.
func (t *TrustAnchor) PublicKey() crypto.PublicKey {
	return t.publicKey
}

// IsCertificate reports whether this anchor was provisioned as a certificate.
func (t *TrustAnchor) IsCertificate() bool {
	return t.cert != nil
}

// IsPotentialIssuerOf reports whether the anchor's name equals the issuer
// of cert, byte for byte.
func (t *TrustAnchor) IsPotentialIssuerOf(cert *x509.Certificate) bool {
	return bytes.Equal(t.rawName, cert.RawIssuer)
}

// isAnchorCertificate reports whether cert is the anchor's own certificate.
func (t *TrustAnchor) isAnchorCertificate(cert *x509.Certificate) bool {
	return t.cert != nil && bytes.Equal(t.cert.Raw, cert.Raw)
}

func (t *TrustAnchor) String() string {
	if t.cert != nil {
		return fmt.Sprintf("certificate %s", t.name)
	}
	return fmt.Sprintf("named key %s", t.name)
}

// FindTrustAnchor returns the first anchor whose name matches the issuer of
// last and whose key verifies its signature. When a name matched but the
// signature did not verify, the failure is reported as SignatureInvalid
// with the verification error as cause; otherwise TrustAnchorNotFound.
// index is the chain position of last, used for the returned error.
func FindTrustAnchor(last *x509.Certificate, anchors []*TrustAnchor, verifier SignatureVerifier, index int) (*TrustAnchor, error) {
	var verifyErr error
	for _, anchor := range anchors {
		if anchor == nil || !anchor.IsPotentialIssuerOf(last) {
			continue
		}
		err := VerifyCertificateSignature(verifier, last, anchor.publicKey)
		if err == nil {
			return anchor, nil
		}
		if verifyErr == nil {
			verifyErr = err
		}
	}
	if verifyErr != nil {
		return nil, newValidationError(index, SignatureInvalid, verifyErr)
	}
	return nil, newValidationError(index, TrustAnchorNotFound, ErrNoTrustAnchor)
}

// TrustAnchorStore stores multiple trust anchors.
type TrustAnchorStore struct {
	anchors []*TrustAnchor
}

// NewTrustAnchorStore creates a new trust anchor store.
func NewTrustAnchorStore(anchors ...*TrustAnchor) *TrustAnchorStore {
	return &TrustAnchorStore{anchors: append([]*TrustAnchor(nil), anchors...)}
}

// Add adds a trust anchor to the store.
func (s *TrustAnchorStore) Add(anchor *TrustAnchor) {
	s.anchors = append(s.anchors, anchor)
}

// AddCertificate adds a certificate as a trust anchor.
func (s *TrustAnchorStore) AddCertificate(cert *x509.Certificate) {
	s.Add(NewCertTrustAnchor(cert))
}

// FindPotentialIssuers finds trust anchors that could be issuers of the certificate.
func (s *TrustAnchorStore) FindPotentialIssuers(cert *x509.Certificate) []*TrustAnchor {
	var issuers []*TrustAnchor
	for _, anchor := range s.anchors {
		if anchor.IsPotentialIssuerOf(cert) {
			issuers = append(issuers, anchor)
		}
	}
	return issuers
}

// All returns all trust anchors.
func (s *TrustAnchorStore) All() []*TrustAnchor {
	return s.anchors
}

// Count returns the number of trust anchors.
func (s *TrustAnchorStore) Count() int {
	return len(s.anchors)
}
