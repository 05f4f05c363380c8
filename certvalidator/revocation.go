// Package certvalidator provides X.509 certificate path validation.
// This file contains CRL based revocation checking.
package certvalidator

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

// Revocation errors
var (
	ErrNoValidCRL        = errors.New("no valid CRL was found")
	ErrDeltaWithoutBase  = errors.New("delta CRL has no matching base CRL")
	ErrCRLSignNotAllowed = errors.New("issuer key usage does not permit CRL signing")
	ErrIncompleteReasons = errors.New("usable CRLs do not cover every revocation reason")
)

// RevocationChecker decides whether a certificate was revoked at a given
// instant, using the CRLs held by its stores.
type RevocationChecker struct {
	Stores   []revinfo.CRLStore
	Verifier SignatureVerifier
	Logger   *log.Entry
}

// NewRevocationChecker creates a checker over the given stores.
func NewRevocationChecker(verifier SignatureVerifier, stores ...revinfo.CRLStore) *RevocationChecker {
	if verifier == nil {
		verifier = NewDefaultSignatureVerifier()
	}
	return &RevocationChecker{
		Stores:   stores,
		Verifier: verifier,
		Logger:   log.L,
	}
}

func (rc *RevocationChecker) logger() *log.Entry {
	if rc.Logger != nil {
		return rc.Logger
	}
	return log.L
}

// Check verifies that cert, at chain position index, is not revoked at the
// given instant. issuer is the certificate whose key signed cert; it is nil
// when the issuer is a named key trust anchor. Failures are returned as
// *ValidationError.
func (rc *RevocationChecker) Check(index int, cert, issuer *x509.Certificate, issuerKey crypto.PublicKey, at time.Time) error {
	candidates, err := rc.candidates(cert)
	if err != nil {
		return newValidationError(index, RevocationNoValidCrl, err)
	}

	var bases, deltas []*revinfo.CRLInfo
	for _, ci := range candidates {
		if !rc.usable(cert, ci, at) {
			continue
		}
		if ci.IsDelta() {
			deltas = append(deltas, ci)
		} else {
			bases = append(bases, ci)
		}
	}

	for _, delta := range deltas {
		if findBase(delta, bases) == nil {
			return newValidationError(index, RevocationNoValidCrl,
				fmt.Errorf("%w: delta indicator %s", ErrDeltaWithoutBase, delta.DeltaIndicator))
		}
	}

	if len(bases) == 0 {
		return newValidationError(index, RevocationNoValidCrl, ErrNoValidCRL)
	}

	if issuer != nil && issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCRLSign == 0 {
		return newValidationError(index, RevocationIssuerNotAuthorized, ErrCRLSignNotAllowed)
	}

	var covered revinfo.ReasonFlags
	for _, base := range bases {
		if err := VerifyCRLSignature(rc.Verifier, base.CRL, issuerKey); err != nil {
			return newValidationError(index, RevocationCrlSignatureInvalid, err)
		}

		entry := base.FindEntry(cert.SerialNumber)
		for _, delta := range deltas {
			if !base.IsBaseFor(delta) {
				continue
			}
			if err := VerifyCRLSignature(rc.Verifier, delta.CRL, issuerKey); err != nil {
				return newValidationError(index, RevocationCrlSignatureInvalid, err)
			}
			if de := delta.FindEntry(cert.SerialNumber); de != nil {
				entry = de
			}
		}

		fields := log.Fields{
			"serial":     cert.SerialNumber.String(),
			"crl_number": base.Number,
			"issuer":     base.CRL.Issuer.String(),
		}
		if entry == nil || entry.Reason == revinfo.ReasonRemoveFromCRL || entry.RevocationTime.After(at) {
			rc.logger().WithFields(fields).Debug("certificate not revoked by CRL")
			covered |= base.Scope.Reasons()
			continue
		}
		rc.logger().WithFields(fields).WithField("reason", entry.Reason.String()).Debug("certificate revoked")
		return newValidationError(index, RevocationRevoked, &RevokedError{
			SerialNumber: cert.SerialNumber,
			Reason:       entry.Reason,
			RevocationDt: entry.RevocationTime,
		})
	}

	if !covered.CoversAll() {
		return newValidationError(index, RevocationNoValidCrl,
			fmt.Errorf("%w: covered reasons %#x", ErrIncompleteReasons, uint16(covered)))
	}
	return nil
}

// candidates gathers the CRLs of every store that match cert. Stores may
// return more than asked for, so the selector is applied again.
func (rc *RevocationChecker) candidates(cert *x509.Certificate) ([]*revinfo.CRLInfo, error) {
	sel := revinfo.SelectorFor(cert)
	var out []*revinfo.CRLInfo
	for _, store := range rc.Stores {
		if store == nil {
			continue
		}
		found, err := store.FindCRLs(sel)
		if err != nil {
			return nil, fmt.Errorf("failed to look up CRLs: %w", err)
		}
		for _, ci := range found {
			if sel.Match(ci) {
				out = append(out, ci)
			}
		}
	}
	return out, nil
}

// usable reports whether a CRL can speak for cert at the given instant. It
// must have been issued before cert expired and must not be stale. Indirect
// CRLs, and CRLs carrying critical CRL or entry extensions this package does
// not understand, are never usable.
func (rc *RevocationChecker) usable(cert *x509.Certificate, ci *revinfo.CRLInfo, at time.Time) bool {
	fields := log.Fields{
		"serial":     cert.SerialNumber.String(),
		"crl_number": ci.Number,
		"issuer":     ci.CRL.Issuer.String(),
	}
	if !cert.NotAfter.After(ci.CRL.ThisUpdate) {
		rc.logger().WithFields(fields).Debug("ignoring CRL issued after certificate expiry")
		return false
	}
	if !ci.CRL.NextUpdate.IsZero() && !at.Before(ci.CRL.NextUpdate) {
		rc.logger().WithFields(fields).Debug("ignoring stale CRL")
		return false
	}
	for _, ext := range ci.CRL.Extensions {
		if ext.Critical && !revinfo.IsKnownExtension(ext.Id) {
			rc.logger().WithFields(fields).WithField("oid", ext.Id.String()).Debug("ignoring CRL with unsupported critical extension")
			return false
		}
	}
	if oid, ok := ci.UnsupportedEntryExtension(); ok {
		rc.logger().WithFields(fields).WithField("oid", oid.String()).Debug("ignoring CRL with unsupported critical entry extension")
		return false
	}
	if ci.Scope.IndirectCRL {
		rc.logger().WithFields(fields).Debug("ignoring indirect CRL")
		return false
	}
	return true
}

func findBase(delta *revinfo.CRLInfo, bases []*revinfo.CRLInfo) *revinfo.CRLInfo {
	for _, base := range bases {
		if base.IsBaseFor(delta) {
			return base
		}
	}
	return nil
}
