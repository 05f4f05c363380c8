// Package certvalidator provides X.509 certificate path validation.
// This file contains signature validation abstractions.
package certvalidator

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// Signature validation errors
var (
	// ErrAlgorithmNotSupported is returned when a signature algorithm is not supported.
	ErrAlgorithmNotSupported = errors.New("algorithm not supported")

	// ErrDSAParametersUnavailable is returned when DSA public key parameters are missing.
	ErrDSAParametersUnavailable = errors.New("DSA public key parameters unavailable")

	// ErrKeyAlgorithmMismatch is returned when the key does not belong to the
	// signature algorithm's family.
	ErrKeyAlgorithmMismatch = errors.New("public key does not match signature algorithm")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SignatureVerifier abstracts cryptographic signature validation. The path
// validator only ever hands it the signed bytes of a certificate or CRL, the
// signature, the working public key and the declared algorithm.
type SignatureVerifier interface {
	Verify(signed, signature []byte, pub crypto.PublicKey, algo x509.SignatureAlgorithm) error
	AlgorithmOf(pub crypto.PublicKey) x509.PublicKeyAlgorithm
}

type sigDetails struct {
	family x509.PublicKeyAlgorithm
	hash   crypto.Hash
	pss    bool
}

var signatureAlgorithmDetails = map[x509.SignatureAlgorithm]sigDetails{
	x509.SHA1WithRSA:      {x509.RSA, crypto.SHA1, false},
	x509.SHA256WithRSA:    {x509.RSA, crypto.SHA256, false},
	x509.SHA384WithRSA:    {x509.RSA, crypto.SHA384, false},
	x509.SHA512WithRSA:    {x509.RSA, crypto.SHA512, false},
	x509.SHA256WithRSAPSS: {x509.RSA, crypto.SHA256, true},
	x509.SHA384WithRSAPSS: {x509.RSA, crypto.SHA384, true},
	x509.SHA512WithRSAPSS: {x509.RSA, crypto.SHA512, true},
	x509.DSAWithSHA1:      {x509.DSA, crypto.SHA1, false},
	x509.DSAWithSHA256:    {x509.DSA, crypto.SHA256, false},
	x509.ECDSAWithSHA1:    {x509.ECDSA, crypto.SHA1, false},
	x509.ECDSAWithSHA256:  {x509.ECDSA, crypto.SHA256, false},
	x509.ECDSAWithSHA384:  {x509.ECDSA, crypto.SHA384, false},
	x509.ECDSAWithSHA512:  {x509.ECDSA, crypto.SHA512, false},
	x509.PureEd25519:      {x509.Ed25519, 0, false},
}

// DefaultSignatureVerifier is the default implementation of SignatureVerifier.
type DefaultSignatureVerifier struct{}

// NewDefaultSignatureVerifier creates a new default signature verifier.
func NewDefaultSignatureVerifier() *DefaultSignatureVerifier {
	return &DefaultSignatureVerifier{}
}

// AlgorithmOf reports the public key algorithm family of pub.
func (v *DefaultSignatureVerifier) AlgorithmOf(pub crypto.PublicKey) x509.PublicKeyAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.RSA
	case *dsa.PublicKey:
		return x509.DSA
	case *ecdsa.PublicKey:
		return x509.ECDSA
	case ed25519.PublicKey:
		return x509.Ed25519
	default:
		return x509.UnknownPublicKeyAlgorithm
	}
}

// Verify checks signature over signed using Go's crypto libraries.
func (v *DefaultSignatureVerifier) Verify(signed, signature []byte, pub crypto.PublicKey, algo x509.SignatureAlgorithm) error {
	details, ok := signatureAlgorithmDetails[algo]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, algo)
	}
	if got := v.AlgorithmOf(pub); got != details.family {
		return fmt.Errorf("%w: %s key for %s", ErrKeyAlgorithmMismatch, got, algo)
	}

	switch details.family {
	case x509.RSA:
		digest := hashOf(details.hash, signed)
		if details.pss {
			return v.verifyRSAPSS(signature, digest, pub.(*rsa.PublicKey), details.hash)
		}
		return v.verifyRSAPKCS1v15(signature, digest, pub.(*rsa.PublicKey), details.hash)
	case x509.DSA:
		return v.verifyDSA(signature, hashOf(details.hash, signed), pub.(*dsa.PublicKey))
	case x509.ECDSA:
		return v.verifyECDSA(signature, hashOf(details.hash, signed), pub.(*ecdsa.PublicKey))
	case x509.Ed25519:
		return v.verifyEd25519(signature, signed, pub.(ed25519.PublicKey))
	default:
		return fmt.Errorf("%w: %s", ErrAlgorithmNotSupported, algo)
	}
}

func hashOf(h crypto.Hash, data []byte) []byte {
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// verifyRSAPKCS1v15 verifies an RSA PKCS#1 v1.5 signature.
func (v *DefaultSignatureVerifier) verifyRSAPKCS1v15(signature, digest []byte, key *rsa.PublicKey, hashAlgo crypto.Hash) error {
	if err := rsa.VerifyPKCS1v15(key, hashAlgo, digest, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyRSAPSS verifies an RSA-PSS signature. Certificates issued under
// RFC 4055 use a salt as long as the digest.
func (v *DefaultSignatureVerifier) verifyRSAPSS(signature, digest []byte, key *rsa.PublicKey, hashAlgo crypto.Hash) error {
	opts := &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       hashAlgo,
	}
	if err := rsa.VerifyPSS(key, hashAlgo, digest, signature, opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyDSA verifies a DSA signature.
func (v *DefaultSignatureVerifier) verifyDSA(signature, digest []byte, key *dsa.PublicKey) error {
	if key.P == nil || key.Q == nil || key.G == nil {
		return ErrDSAParametersUnavailable
	}

	var dsaSig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(signature, &dsaSig); err != nil {
		return fmt.Errorf("failed to parse DSA signature: %w", err)
	}
	if !dsa.Verify(key, digest, dsaSig.R, dsaSig.S) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyECDSA verifies a DER encoded ECDSA signature.
func (v *DefaultSignatureVerifier) verifyECDSA(signature, digest []byte, key *ecdsa.PublicKey) error {
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyEd25519 verifies an Ed25519 signature.
func (v *DefaultSignatureVerifier) verifyEd25519(signature, signed []byte, key ed25519.PublicKey) error {
	if !ed25519.Verify(key, signed, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyCertificateSignature checks cert's signature against the issuer key.
func VerifyCertificateSignature(verifier SignatureVerifier, cert *x509.Certificate, issuerKey crypto.PublicKey) error {
	return verifier.Verify(cert.RawTBSCertificate, cert.Signature, issuerKey, cert.SignatureAlgorithm)
}

// VerifyCRLSignature checks a CRL's signature against the issuer key.
func VerifyCRLSignature(verifier SignatureVerifier, crl *x509.RevocationList, issuerKey crypto.PublicKey) error {
	return verifier.Verify(crl.RawTBSRevocationList, crl.Signature, issuerKey, crl.SignatureAlgorithm)
}
