// Package certvalidator provides X.509 certificate path validation.
// This file contains the distinguished name model used for name constraint matching.
package certvalidator

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// OIDEmailAddress is the PKCS#9 emailAddress attribute type.
const OIDEmailAddress = "1.2.840.113549.1.9.1"

var attributeShortNames = map[string]string{
	"2.5.4.3":  "CN",
	"2.5.4.5":  "SERIALNUMBER",
	"2.5.4.6":  "C",
	"2.5.4.7":  "L",
	"2.5.4.8":  "ST",
	"2.5.4.9":  "STREET",
	"2.5.4.10": "O",
	"2.5.4.11": "OU",

	"0.9.2342.19200300.100.1.25": "DC",
	"0.9.2342.19200300.100.1.1":  "UID",
	OIDEmailAddress:              "emailAddress",
}

// Attribute is a single type/value pair inside a relative distinguished name.
type Attribute struct {
	Type  string
	Value string
}

// RDN is a relative distinguished name: an unordered set of attributes.
type RDN []Attribute

// DistinguishedName is an ordered sequence of RDNs, most significant first
// (the order in which they are encoded).
type DistinguishedName []RDN

// ParseDistinguishedName decodes a DER encoded Name.
func ParseDistinguishedName(der []byte) (DistinguishedName, error) {
	var seq pkix.RDNSequence
	rest, err := asn1.Unmarshal(der, &seq)
	if err != nil {
		return nil, fmt.Errorf("failed to parse distinguished name: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("failed to parse distinguished name: trailing data")
	}
	return nameFromRDNSequence(seq), nil
}

// NameFromPKIX converts a pkix.Name into a DistinguishedName.
func NameFromPKIX(name pkix.Name) DistinguishedName {
	return nameFromRDNSequence(name.ToRDNSequence())
}

func nameFromRDNSequence(seq pkix.RDNSequence) DistinguishedName {
	dn := make(DistinguishedName, 0, len(seq))
	for _, set := range seq {
		rdn := make(RDN, 0, len(set))
		for _, atv := range set {
			rdn = append(rdn, Attribute{Type: atv.Type.String(), Value: attributeValueString(atv.Value)})
		}
		dn = append(dn, rdn)
	}
	return dn
}

func attributeValueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return "#" + hex.EncodeToString(val)
	default:
		return fmt.Sprint(val)
	}
}

// IsEmpty reports whether the name has no RDNs.
func (dn DistinguishedName) IsEmpty() bool {
	return len(dn) == 0
}

// Equal compares two names attribute by attribute after normalisation.
func (dn DistinguishedName) Equal(other DistinguishedName) bool {
	if len(dn) != len(other) {
		return false
	}
	for i := range dn {
		if !dn[i].equal(other[i]) {
			return false
		}
	}
	return true
}

// WithinSubtree reports whether dn lies in the subtree rooted at base, i.e.
// every RDN of base appears, in order, at the start of dn. In the usual
// right-to-left string form this is a suffix match.
func (dn DistinguishedName) WithinSubtree(base DistinguishedName) bool {
	if len(base) > len(dn) {
		return false
	}
	for i := range base {
		if !dn[i].equal(base[i]) {
			return false
		}
	}
	return true
}

// EmailAddresses returns the values of any emailAddress attributes.
func (dn DistinguishedName) EmailAddresses() []string {
	var out []string
	for _, rdn := range dn {
		for _, attr := range rdn {
			if attr.Type == OIDEmailAddress {
				out = append(out, attr.Value)
			}
		}
	}
	return out
}

// String renders the name in RFC 4514 order (least significant RDN first).
func (dn DistinguishedName) String() string {
	parts := make([]string, 0, len(dn))
	for i := len(dn) - 1; i >= 0; i-- {
		attrs := make([]string, 0, len(dn[i]))
		for _, attr := range dn[i] {
			typ := attr.Type
			if short, ok := attributeShortNames[typ]; ok {
				typ = short
			}
			attrs = append(attrs, typ+"="+escapeAttributeValue(attr.Value))
		}
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}

func escapeAttributeValue(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(",+\"\\<>;=", r):
			b.WriteByte('\\')
		case i == 0 && (r == ' ' || r == '#'):
			b.WriteByte('\\')
		case i == len(v)-1 && r == ' ':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// equal treats RDNs as sets.
func (r RDN) equal(other RDN) bool {
	if len(r) != len(other) {
		return false
	}
	for _, a := range r {
		found := false
		for _, b := range other {
			if a.Type == b.Type && normalizeAttributeValue(a.Value) == normalizeAttributeValue(b.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// normalizeAttributeValue applies the RFC 4518 string preparation steps that
// matter in practice: compatibility normalisation, case folding and
// insignificant whitespace removal.
func normalizeAttributeValue(v string) string {
	v = norm.NFKC.String(v)
	v = cases.Fold().String(v)
	return strings.Join(strings.Fields(v), " ")
}
