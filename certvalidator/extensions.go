// Package certvalidator provides X.509 certificate path validation.
// This file contains extension lookup and decoding for the extensions the
// path validation algorithm consumes.
package certvalidator

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"net"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformedExtension is returned when a handled extension does not decode.
var ErrMalformedExtension = errors.New("malformed extension")

// Extension OIDs
var (
	OIDSubjectAltName           = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDBasicConstraints         = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDKeyUsage                 = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDNameConstraints          = asn1.ObjectIdentifier{2, 5, 29, 30}
	OIDCertificatePolicies      = asn1.ObjectIdentifier{2, 5, 29, 32}
	OIDPolicyMappings           = asn1.ObjectIdentifier{2, 5, 29, 33}
	OIDPolicyConstraints        = asn1.ObjectIdentifier{2, 5, 29, 36}
	OIDInhibitAnyPolicy         = asn1.ObjectIdentifier{2, 5, 29, 54}
	OIDDeltaCRLIndicator        = asn1.ObjectIdentifier{2, 5, 29, 27}
	OIDIssuingDistributionPoint = asn1.ObjectIdentifier{2, 5, 29, 28}
)

// handledCriticalExtensions lists the extensions the validator processes itself.
var handledCriticalExtensions = mapset.NewSet(
	OIDKeyUsage.String(),
	OIDCertificatePolicies.String(),
	OIDPolicyMappings.String(),
	OIDInhibitAnyPolicy.String(),
	OIDIssuingDistributionPoint.String(),
	OIDDeltaCRLIndicator.String(),
	OIDPolicyConstraints.String(),
	OIDBasicConstraints.String(),
	OIDSubjectAltName.String(),
	OIDNameConstraints.String(),
)

// FindExtension looks up an extension by OID. A missing extension is
// reported through ok, never as an error.
func FindExtension(exts []pkix.Extension, oid asn1.ObjectIdentifier) (value []byte, critical bool, ok bool) {
	for _, ext := range exts {
		if ext.Id.Equal(oid) {
			return ext.Value, ext.Critical, true
		}
	}
	return nil, false, false
}

// CriticalExtensionOIDs returns the OIDs of all critical extensions.
func CriticalExtensionOIDs(exts []pkix.Extension) []string {
	var out []string
	for _, ext := range exts {
		if ext.Critical {
			out = append(out, ext.Id.String())
		}
	}
	return out
}

// CertificatePolicy is one PolicyInformation entry of the certificate
// policies extension. Qualifiers are kept in their DER form.
type CertificatePolicy struct {
	PolicyIdentifier string
	Qualifiers       [][]byte
}

// PolicyMapping represents a mapping from issuer domain policy to subject domain policy.
type PolicyMapping struct {
	IssuerDomainPolicy  string
	SubjectDomainPolicy string
}

// GeneralSubtrees holds the name forms of one side of a name constraints
// extension that the validator enforces.
type GeneralSubtrees struct {
	DirectoryNames []DistinguishedName
	Emails         []string
	IPRanges       []*net.IPNet
}

// IsEmpty reports whether no subtree of a supported form is present.
func (g GeneralSubtrees) IsEmpty() bool {
	return len(g.DirectoryNames) == 0 && len(g.Emails) == 0 && len(g.IPRanges) == 0
}

// SubjectAltNames holds the subject alternative names subject to name constraints.
type SubjectAltNames struct {
	Emails         []string
	DirectoryNames []DistinguishedName
	IPAddresses    []net.IP
}

var (
	tagRFC822Name    = cryptobyte_asn1.Tag(1).ContextSpecific()
	tagDirectoryName = cryptobyte_asn1.Tag(4).ContextSpecific().Constructed()
	tagIPAddress     = cryptobyte_asn1.Tag(7).ContextSpecific()
)

func malformed(name string) error {
	return fmt.Errorf("%w: %s", ErrMalformedExtension, name)
}

// parseBasicConstraints returns pathLen -1 when no constraint is present.
//
//	BasicConstraints ::= SEQUENCE {
//	     cA                      BOOLEAN DEFAULT FALSE,
//	     pathLenConstraint       INTEGER (0..MAX) OPTIONAL }
func parseBasicConstraints(der []byte) (isCA bool, pathLen int, err error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return false, -1, malformed("basic constraints")
	}
	if seq.PeekASN1Tag(cryptobyte_asn1.BOOLEAN) {
		if !seq.ReadASN1Boolean(&isCA) {
			return false, -1, malformed("basic constraints cA")
		}
	}
	pathLen = -1
	if seq.PeekASN1Tag(cryptobyte_asn1.INTEGER) {
		var n int64
		if !seq.ReadASN1Integer(&n) || n < 0 {
			return false, -1, malformed("basic constraints pathLenConstraint")
		}
		pathLen = int(n)
	}
	if !seq.Empty() {
		return false, -1, malformed("basic constraints")
	}
	return isCA, pathLen, nil
}

// parseCertificatePolicies decodes
//
//	certificatePolicies ::= SEQUENCE SIZE (1..MAX) OF PolicyInformation
//	PolicyInformation ::= SEQUENCE {
//	     policyIdentifier   CertPolicyId,
//	     policyQualifiers   SEQUENCE SIZE (1..MAX) OF PolicyQualifierInfo OPTIONAL }
func parseCertificatePolicies(der []byte) ([]CertificatePolicy, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("certificate policies")
	}
	var out []CertificatePolicy
	seen := mapset.NewThreadUnsafeSet[string]()
	for !seq.Empty() {
		var info cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !seq.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) || !info.ReadASN1ObjectIdentifier(&oid) {
			return nil, malformed("policy information")
		}
		policy := CertificatePolicy{PolicyIdentifier: oid.String()}
		if !seen.Add(policy.PolicyIdentifier) {
			return nil, malformed("duplicate policy " + policy.PolicyIdentifier)
		}
		if !info.Empty() {
			var quals cryptobyte.String
			if !info.ReadASN1(&quals, cryptobyte_asn1.SEQUENCE) || !info.Empty() {
				return nil, malformed("policy qualifiers")
			}
			for !quals.Empty() {
				var q cryptobyte.String
				if !quals.ReadASN1Element(&q, cryptobyte_asn1.SEQUENCE) {
					return nil, malformed("policy qualifier")
				}
				policy.Qualifiers = append(policy.Qualifiers, []byte(q))
			}
		}
		out = append(out, policy)
	}
	return out, nil
}

// parsePolicyMappings decodes
//
//	PolicyMappings ::= SEQUENCE SIZE (1..MAX) OF SEQUENCE {
//	     issuerDomainPolicy      CertPolicyId,
//	     subjectDomainPolicy     CertPolicyId }
func parsePolicyMappings(der []byte) ([]PolicyMapping, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("policy mappings")
	}
	var out []PolicyMapping
	for !seq.Empty() {
		var pair cryptobyte.String
		var issuer, subject asn1.ObjectIdentifier
		if !seq.ReadASN1(&pair, cryptobyte_asn1.SEQUENCE) ||
			!pair.ReadASN1ObjectIdentifier(&issuer) ||
			!pair.ReadASN1ObjectIdentifier(&subject) ||
			!pair.Empty() {
			return nil, malformed("policy mapping")
		}
		out = append(out, PolicyMapping{IssuerDomainPolicy: issuer.String(), SubjectDomainPolicy: subject.String()})
	}
	return out, nil
}

// parsePolicyConstraints returns -1 for absent fields.
//
//	PolicyConstraints ::= SEQUENCE {
//	     requireExplicitPolicy           [0] SkipCerts OPTIONAL,
//	     inhibitPolicyMapping            [1] SkipCerts OPTIONAL }
func parsePolicyConstraints(der []byte) (requireExplicit, inhibitMapping int, err error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return -1, -1, malformed("policy constraints")
	}
	requireExplicit, err = readImplicitSkipCerts(&seq, 0)
	if err != nil {
		return -1, -1, err
	}
	inhibitMapping, err = readImplicitSkipCerts(&seq, 1)
	if err != nil {
		return -1, -1, err
	}
	if !seq.Empty() {
		return -1, -1, malformed("policy constraints")
	}
	return requireExplicit, inhibitMapping, nil
}

func readImplicitSkipCerts(s *cryptobyte.String, tag int) (int, error) {
	var body cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&body, &present, cryptobyte_asn1.Tag(tag).ContextSpecific()) {
		return -1, malformed("SkipCerts")
	}
	if !present {
		return -1, nil
	}
	if len(body) == 0 || len(body) > 4 || body[0]&0x80 != 0 {
		return -1, malformed("SkipCerts")
	}
	n := 0
	for _, b := range body {
		n = n<<8 | int(b)
	}
	return n, nil
}

// parseInhibitAnyPolicy decodes InhibitAnyPolicy ::= SkipCerts.
func parseInhibitAnyPolicy(der []byte) (int, error) {
	input := cryptobyte.String(der)
	var n int64
	if !input.ReadASN1Integer(&n) || !input.Empty() || n < 0 {
		return -1, malformed("inhibit any policy")
	}
	return int(n), nil
}

// parseNameConstraints decodes
//
//	NameConstraints ::= SEQUENCE {
//	     permittedSubtrees       [0]     GeneralSubtrees OPTIONAL,
//	     excludedSubtrees        [1]     GeneralSubtrees OPTIONAL }
//
// Name forms other than directoryName, rfc822Name and iPAddress are skipped.
func parseNameConstraints(der []byte) (permitted, excluded GeneralSubtrees, err error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return permitted, excluded, malformed("name constraints")
	}

	read := func(tag int, out *GeneralSubtrees) error {
		var subtrees cryptobyte.String
		var present bool
		if !seq.ReadOptionalASN1(&subtrees, &present, cryptobyte_asn1.Tag(tag).ContextSpecific().Constructed()) {
			return malformed("general subtrees")
		}
		for present && !subtrees.Empty() {
			var subtree, base cryptobyte.String
			var baseTag cryptobyte_asn1.Tag
			if !subtrees.ReadASN1(&subtree, cryptobyte_asn1.SEQUENCE) || !subtree.ReadAnyASN1(&base, &baseTag) {
				return malformed("general subtree")
			}
			switch baseTag {
			case tagRFC822Name:
				out.Emails = append(out.Emails, string(base))
			case tagDirectoryName:
				dn, err := ParseDistinguishedName(base)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrMalformedExtension, err)
				}
				out.DirectoryNames = append(out.DirectoryNames, dn)
			case tagIPAddress:
				if len(base) != 2*net.IPv4len && len(base) != 2*net.IPv6len {
					return malformed("iPAddress constraint length")
				}
				half := len(base) / 2
				out.IPRanges = append(out.IPRanges, &net.IPNet{
					IP:   net.IP(append([]byte(nil), base[:half]...)),
					Mask: net.IPMask(append([]byte(nil), base[half:]...)),
				})
			}
		}
		return nil
	}

	if err := read(0, &permitted); err != nil {
		return permitted, excluded, err
	}
	if err := read(1, &excluded); err != nil {
		return permitted, excluded, err
	}
	if !seq.Empty() {
		return permitted, excluded, malformed("name constraints")
	}
	return permitted, excluded, nil
}

// parseSubjectAltNames decodes the name forms of a SubjectAltName extension
// that are subject to name constraints.
func parseSubjectAltNames(der []byte) (SubjectAltNames, error) {
	var out SubjectAltNames
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return out, malformed("subject alternative name")
	}
	for !seq.Empty() {
		var body cryptobyte.String
		var tag cryptobyte_asn1.Tag
		if !seq.ReadAnyASN1(&body, &tag) {
			return out, malformed("general name")
		}
		switch tag {
		case tagRFC822Name:
			out.Emails = append(out.Emails, string(body))
		case tagDirectoryName:
			dn, err := ParseDistinguishedName(body)
			if err != nil {
				return out, fmt.Errorf("%w: %v", ErrMalformedExtension, err)
			}
			out.DirectoryNames = append(out.DirectoryNames, dn)
		case tagIPAddress:
			if len(body) != net.IPv4len && len(body) != net.IPv6len {
				return out, malformed("iPAddress length")
			}
			out.IPAddresses = append(out.IPAddresses, net.IP(append([]byte(nil), body...)))
		}
	}
	return out, nil
}
