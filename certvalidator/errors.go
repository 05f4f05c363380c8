// Package certvalidator provides X.509 certificate path validation.
// This file contains error types for certificate validation.
package certvalidator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

// ErrorKind classifies why a path was rejected.
type ErrorKind int

const (
	TrustAnchorNotFound ErrorKind = iota + 1
	SignatureInvalid
	Expired
	NotYetValid
	NameChainingMismatch
	PermittedSubtreeViolation
	ExcludedSubtreeViolation
	PolicyProcessingFailed
	PolicyMappingInvalid
	UnsupportedCriticalExtension
	MissingBasicConstraints
	NotACertificateAuthority
	PathLengthExceeded
	RevocationNoValidCrl
	RevocationRevoked
	RevocationCrlSignatureInvalid
	RevocationIssuerNotAuthorized
	TargetConstraintsMismatch
	UnsupportedCertificateVersion
	InvalidKeyUsage
	MalformedExtension
)

var errorKindNames = map[ErrorKind]string{
	TrustAnchorNotFound:           "TrustAnchorNotFound",
	SignatureInvalid:              "SignatureInvalid",
	Expired:                       "Expired",
	NotYetValid:                   "NotYetValid",
	NameChainingMismatch:          "NameChainingMismatch",
	PermittedSubtreeViolation:     "PermittedSubtreeViolation",
	ExcludedSubtreeViolation:      "ExcludedSubtreeViolation",
	PolicyProcessingFailed:        "PolicyProcessingFailed",
	PolicyMappingInvalid:          "PolicyMappingInvalid",
	UnsupportedCriticalExtension:  "UnsupportedCriticalExtension",
	MissingBasicConstraints:       "MissingBasicConstraints",
	NotACertificateAuthority:      "NotACertificateAuthority",
	PathLengthExceeded:            "PathLengthExceeded",
	RevocationNoValidCrl:          "RevocationNoValidCrl",
	RevocationRevoked:             "RevocationRevoked",
	RevocationCrlSignatureInvalid: "RevocationCrlSignatureInvalid",
	RevocationIssuerNotAuthorized: "RevocationIssuerNotAuthorized",
	TargetConstraintsMismatch:     "TargetConstraintsMismatch",
	UnsupportedCertificateVersion: "UnsupportedCertificateVersion",
	InvalidKeyUsage:               "InvalidKeyUsage",
	MalformedExtension:            "MalformedExtension",
}

// String returns the name of the kind.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ValidationError reports the chain index at which validation stopped.
// Index refers to the chain as passed in, end-entity at 0.
type ValidationError struct {
	Index int
	Kind  ErrorKind
	Cause error
}

func newValidationError(index int, kind ErrorKind, cause error) *ValidationError {
	return &ValidationError{Index: index, Kind: kind, Cause: cause}
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("The path could not be validated because of %s at %s", e.Kind, certLabel(e.Index))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is matches another *ValidationError of the same kind, so callers can
// write errors.Is(err, &ValidationError{Kind: Expired}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err.
func KindOf(err error) (ErrorKind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return 0, false
}

func certLabel(index int) string {
	if index == 0 {
		return "the end-entity certificate"
	}
	return fmt.Sprintf("certificate %d", index)
}

// ExpiredError indicates a certificate has expired.
type ExpiredError struct {
	ExpiredDt time.Time
	Moment    time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("certificate expired %s (validation time %s)",
		e.ExpiredDt.UTC().Format("2006-01-02 15:04:05Z"), e.Moment.UTC().Format("2006-01-02 15:04:05Z"))
}

// NotYetValidError indicates a certificate is not yet valid.
type NotYetValidError struct {
	ValidFrom time.Time
	Moment    time.Time
}

func (e *NotYetValidError) Error() string {
	return fmt.Sprintf("certificate is not valid until %s (validation time %s)",
		e.ValidFrom.UTC().Format("2006-01-02 15:04:05Z"), e.Moment.UTC().Format("2006-01-02 15:04:05Z"))
}

// RevokedError indicates a certificate has been revoked.
type RevokedError struct {
	SerialNumber *big.Int
	Reason       revinfo.RevocationReason
	RevocationDt time.Time
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("CRL indicates certificate %s was revoked at %s on %s, due to %s",
		e.SerialNumber, e.RevocationDt.UTC().Format("15:04:05"), e.RevocationDt.UTC().Format("2006-01-02"), e.Reason)
}

// NameChainingError reports the issuer name that failed to chain.
type NameChainingError struct {
	Expected DistinguishedName
	Actual   DistinguishedName
}

func (e *NameChainingError) Error() string {
	return fmt.Sprintf("issuer %q does not match expected %q", e.Actual, e.Expected)
}

// CriticalExtensionError lists critical extensions nothing consumed.
type CriticalExtensionError struct {
	OIDs []string
}

func (e *CriticalExtensionError) Error() string {
	return fmt.Sprintf("unsupported critical extensions %v", e.OIDs)
}
