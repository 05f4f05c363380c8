// Package revinfo provides revocation information handling for certificate validation.
package revinfo

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Common errors
var (
	ErrMalformedCRL       = errors.New("malformed CRL")
	ErrMalformedExtension = errors.New("malformed CRL extension")
	ErrStoreClosed        = errors.New("CRL store is closed")
)

var (
	oidCRLNumber                = asn1.ObjectIdentifier{2, 5, 29, 20}
	oidDeltaCRLIndicator        = asn1.ObjectIdentifier{2, 5, 29, 27}
	oidIssuingDistributionPoint = asn1.ObjectIdentifier{2, 5, 29, 28}
	oidCertificateIssuer        = asn1.ObjectIdentifier{2, 5, 29, 29}
	oidReasonCode               = asn1.ObjectIdentifier{2, 5, 29, 21}
	oidInvalidityDate           = asn1.ObjectIdentifier{2, 5, 29, 24}
	oidAuthorityKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidFreshestCRL              = asn1.ObjectIdentifier{2, 5, 29, 46}
	oidAuthorityInfoAccess      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
)

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// ReasonFlags is a bitmask of revocation reasons, bit n standing for reason code n.
type ReasonFlags uint16

const (
	ReasonFlagUnused             ReasonFlags = 1 << 0
	ReasonFlagKeyCompromise      ReasonFlags = 1 << 1
	ReasonFlagCACompromise       ReasonFlags = 1 << 2
	ReasonFlagAffiliationChanged ReasonFlags = 1 << 3
	ReasonFlagSuperseded         ReasonFlags = 1 << 4
	ReasonFlagCessationOfOp      ReasonFlags = 1 << 5
	ReasonFlagCertificateHold    ReasonFlags = 1 << 6
	ReasonFlagPrivilegeWithdrawn ReasonFlags = 1 << 7
	ReasonFlagAACompromise       ReasonFlags = 1 << 8
)

// AllReasons returns all reason flags.
func AllReasons() ReasonFlags {
	return ReasonFlagUnused | ReasonFlagKeyCompromise | ReasonFlagCACompromise |
		ReasonFlagAffiliationChanged | ReasonFlagSuperseded | ReasonFlagCessationOfOp |
		ReasonFlagCertificateHold | ReasonFlagPrivilegeWithdrawn | ReasonFlagAACompromise
}

// CoversAll reports whether every defined reason is present. The unused
// bit 0 is ignored.
func (rf ReasonFlags) CoversAll() bool {
	return rf|ReasonFlagUnused == AllReasons()
}

// Contains checks if the reason flags contain a specific reason.
func (rf ReasonFlags) Contains(reason RevocationReason) bool {
	switch reason {
	case ReasonUnspecified:
		return rf&ReasonFlagUnused != 0
	case ReasonKeyCompromise:
		return rf&ReasonFlagKeyCompromise != 0
	case ReasonCACompromise:
		return rf&ReasonFlagCACompromise != 0
	case ReasonAffiliationChanged:
		return rf&ReasonFlagAffiliationChanged != 0
	case ReasonSuperseded:
		return rf&ReasonFlagSuperseded != 0
	case ReasonCessationOfOperation:
		return rf&ReasonFlagCessationOfOp != 0
	case ReasonCertificateHold:
		return rf&ReasonFlagCertificateHold != 0
	case ReasonPrivilegeWithdrawn:
		return rf&ReasonFlagPrivilegeWithdrawn != 0
	case ReasonAACompromise:
		return rf&ReasonFlagAACompromise != 0
	default:
		return false
	}
}

// CRLScope defines the scope of certificates covered by a CRL, as declared
// by its issuing distribution point extension.
type CRLScope struct {
	// DistributionPoint is the raw DistributionPointName, if present.
	DistributionPoint []byte
	// OnlyContainsUserCerts indicates the CRL only contains user certificates
	OnlyContainsUserCerts bool
	// OnlyContainsCACerts indicates the CRL only contains CA certificates
	OnlyContainsCACerts bool
	// OnlyContainsAttributeCerts indicates the CRL only contains attribute certificates
	OnlyContainsAttributeCerts bool
	// OnlySomeReasons is zero when the CRL covers every reason.
	OnlySomeReasons ReasonFlags
	// IndirectCRL indicates this is an indirect CRL
	IndirectCRL bool
}

// Covers reports whether a public-key certificate with the given CA status
// falls inside the scope.
func (s CRLScope) Covers(isCA bool) bool {
	if s.OnlyContainsAttributeCerts {
		return false
	}
	if s.OnlyContainsUserCerts && isCA {
		return false
	}
	if s.OnlyContainsCACerts && !isCA {
		return false
	}
	return true
}

// Reasons returns the revocation reasons the CRL speaks for.
func (s CRLScope) Reasons() ReasonFlags {
	if s.OnlySomeReasons == 0 {
		return AllReasons()
	}
	return s.OnlySomeReasons
}

// RevocationEntry represents a single revocation entry.
type RevocationEntry struct {
	SerialNumber   *big.Int
	RevocationTime time.Time
	Reason         RevocationReason
	// ReasonPresent is false when the entry carries no reasonCode extension.
	ReasonPresent bool
}

// CRLInfo contains parsed CRL information.
type CRLInfo struct {
	// Raw CRL data
	Raw []byte
	// Parsed CRL
	CRL *x509.RevocationList
	// Number is the cRLNumber extension value, nil if absent.
	Number *big.Int
	// DeltaIndicator is the base CRL number for delta CRLs, nil otherwise.
	DeltaIndicator *big.Int
	// Scope is decoded from the issuing distribution point extension.
	Scope CRLScope

	rawIDP []byte
}

// NewCRLInfo parses a DER encoded CRL.
func NewCRLInfo(raw []byte) (*CRLInfo, error) {
	crl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCRL, err)
	}
	return FromRevocationList(crl)
}

// FromRevocationList wraps an already parsed CRL.
func FromRevocationList(crl *x509.RevocationList) (*CRLInfo, error) {
	if crl == nil {
		return nil, fmt.Errorf("%w: nil CRL", ErrMalformedCRL)
	}
	info := &CRLInfo{
		Raw:    crl.Raw,
		CRL:    crl,
		Number: crl.Number,
	}

	for _, ext := range crl.Extensions {
		switch {
		case ext.Id.Equal(oidDeltaCRLIndicator):
			n, err := parseInteger(ext.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: delta CRL indicator: %v", ErrMalformedExtension, err)
			}
			info.DeltaIndicator = n
		case ext.Id.Equal(oidIssuingDistributionPoint):
			scope, err := parseIssuingDistributionPoint(ext.Value)
			if err != nil {
				return nil, err
			}
			info.Scope = scope
			info.rawIDP = ext.Value
		case ext.Id.Equal(oidCRLNumber) && info.Number == nil:
			n, err := parseInteger(ext.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: CRL number: %v", ErrMalformedExtension, err)
			}
			info.Number = n
		}
	}

	return info, nil
}

// IsDelta reports whether this is a delta CRL.
func (ci *CRLInfo) IsDelta() bool {
	return ci.DeltaIndicator != nil
}

// RawIssuer returns the DER encoded issuer name.
func (ci *CRLInfo) RawIssuer() []byte {
	return ci.CRL.RawIssuer
}

// RawIDP returns the DER issuing distribution point extension value, nil
// when the CRL has none.
func (ci *CRLInfo) RawIDP() []byte {
	return ci.rawIDP
}

// SameScope reports whether two CRLs were issued by the same issuer for
// the same issuing distribution point.
func (ci *CRLInfo) SameScope(other *CRLInfo) bool {
	return bytes.Equal(ci.RawIssuer(), other.RawIssuer()) && bytes.Equal(ci.rawIDP, other.rawIDP)
}

// IsBaseFor reports whether ci can serve as the base of the delta CRL.
// The base must share the delta's scope and carry the CRL number directly
// preceding the delta's indicator.
func (ci *CRLInfo) IsBaseFor(delta *CRLInfo) bool {
	if ci.IsDelta() || !delta.IsDelta() || ci.Number == nil {
		return false
	}
	if !ci.SameScope(delta) {
		return false
	}
	want := new(big.Int).Sub(delta.DeltaIndicator, big.NewInt(1))
	return ci.Number.Cmp(want) == 0
}

// FindEntry looks up a serial number in the CRL.
func (ci *CRLInfo) FindEntry(serial *big.Int) *RevocationEntry {
	for _, entry := range ci.CRL.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(serial) != 0 {
			continue
		}
		re := &RevocationEntry{
			SerialNumber:   entry.SerialNumber,
			RevocationTime: entry.RevocationTime,
			Reason:         RevocationReason(entry.ReasonCode),
		}
		for _, ext := range entry.Extensions {
			if ext.Id.Equal(oidReasonCode) {
				re.ReasonPresent = true
			}
		}
		return re
	}
	return nil
}

// UnsupportedEntryExtension returns the first critical entry extension of
// the CRL that IsKnownEntryExtension does not accept.
func (ci *CRLInfo) UnsupportedEntryExtension() (asn1.ObjectIdentifier, bool) {
	for _, entry := range ci.CRL.RevokedCertificateEntries {
		for _, ext := range entry.Extensions {
			if ext.Critical && !IsKnownEntryExtension(ext.Id) {
				return ext.Id, true
			}
		}
	}
	return nil, false
}

// IsKnownExtension reports whether a CRL extension is understood by this package.
func IsKnownExtension(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(oidCRLNumber) || oid.Equal(oidDeltaCRLIndicator) ||
		oid.Equal(oidIssuingDistributionPoint) || oid.Equal(oidAuthorityKeyIdentifier) ||
		oid.Equal(oidFreshestCRL) || oid.Equal(oidAuthorityInfoAccess)
}

// IsKnownEntryExtension reports whether a CRL entry extension is understood.
func IsKnownEntryExtension(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(oidReasonCode) || oid.Equal(oidInvalidityDate) || oid.Equal(oidCertificateIssuer)
}

func parseInteger(der []byte) (*big.Int, error) {
	input := cryptobyte.String(der)
	n := new(big.Int)
	if !input.ReadASN1Integer(n) || !input.Empty() {
		return nil, errors.New("invalid INTEGER")
	}
	return n, nil
}

// parseIssuingDistributionPoint decodes
//
//	IssuingDistributionPoint ::= SEQUENCE {
//	     distributionPoint          [0] DistributionPointName OPTIONAL,
//	     onlyContainsUserCerts      [1] BOOLEAN DEFAULT FALSE,
//	     onlyContainsCACerts        [2] BOOLEAN DEFAULT FALSE,
//	     onlySomeReasons            [3] ReasonFlags OPTIONAL,
//	     indirectCRL                [4] BOOLEAN DEFAULT FALSE,
//	     onlyContainsAttributeCerts [5] BOOLEAN DEFAULT FALSE }
func parseIssuingDistributionPoint(der []byte) (CRLScope, error) {
	var scope CRLScope
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return scope, fmt.Errorf("%w: issuing distribution point", ErrMalformedExtension)
	}

	var dp cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&dp, &present, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return scope, fmt.Errorf("%w: distribution point name", ErrMalformedExtension)
	}
	if present {
		scope.DistributionPoint = []byte(dp)
	}

	flags := []struct {
		tag int
		out *bool
	}{
		{1, &scope.OnlyContainsUserCerts},
		{2, &scope.OnlyContainsCACerts},
	}
	for _, f := range flags {
		if err := readImplicitBool(&seq, f.tag, f.out); err != nil {
			return scope, err
		}
	}

	var reasons cryptobyte.String
	if !seq.ReadOptionalASN1(&reasons, &present, cryptobyte_asn1.Tag(3).ContextSpecific()) {
		return scope, fmt.Errorf("%w: onlySomeReasons", ErrMalformedExtension)
	}
	if present {
		rf, err := decodeReasonFlags(reasons)
		if err != nil {
			return scope, err
		}
		scope.OnlySomeReasons = rf
	}

	if err := readImplicitBool(&seq, 4, &scope.IndirectCRL); err != nil {
		return scope, err
	}
	if err := readImplicitBool(&seq, 5, &scope.OnlyContainsAttributeCerts); err != nil {
		return scope, err
	}
	if !seq.Empty() {
		return scope, fmt.Errorf("%w: trailing data in issuing distribution point", ErrMalformedExtension)
	}
	return scope, nil
}

func readImplicitBool(s *cryptobyte.String, tag int, out *bool) error {
	var body cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&body, &present, cryptobyte_asn1.Tag(tag).ContextSpecific()) {
		return fmt.Errorf("%w: boolean [%d]", ErrMalformedExtension, tag)
	}
	if !present {
		return nil
	}
	if len(body) != 1 {
		return fmt.Errorf("%w: boolean [%d] has length %d", ErrMalformedExtension, tag, len(body))
	}
	*out = body[0] != 0
	return nil
}

// decodeReasonFlags converts the contents of a DER BIT STRING into ReasonFlags.
func decodeReasonFlags(body []byte) (ReasonFlags, error) {
	if len(body) == 0 || body[0] > 7 {
		return 0, fmt.Errorf("%w: reason flags", ErrMalformedExtension)
	}
	var rf ReasonFlags
	bits := body[1:]
	for i := 0; i < len(bits)*8 && i < 16; i++ {
		if bits[i/8]&(0x80>>(uint(i)%8)) != 0 {
			rf |= 1 << uint(i)
		}
	}
	return rf, nil
}
