// Package certvalidator provides X.509 certificate path validation.
// This file contains name constraint processing for RFC 5280 path validation.
package certvalidator

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Name constraint errors
var (
	ErrNameConstraint = errors.New("name constraint error")
	ErrNotPermitted   = fmt.Errorf("%w: name is not within the permitted subtrees", ErrNameConstraint)
	ErrExcluded       = fmt.Errorf("%w: name is within an excluded subtree", ErrNameConstraint)
)

// GeneralNameType represents the type of a GeneralName in X.509.
type GeneralNameType int

const (
	// GeneralNameOtherName represents an otherName (OID-based)
	GeneralNameOtherName GeneralNameType = iota
	// GeneralNameRFC822Name represents an email address (RFC 822)
	GeneralNameRFC822Name
	// GeneralNameDNSName represents a DNS domain name
	GeneralNameDNSName
	// GeneralNameX400Address represents an X.400 address
	GeneralNameX400Address
	// GeneralNameDirectoryName represents an X.500 distinguished name
	GeneralNameDirectoryName
	// GeneralNameEDIPartyName represents an EDI party name
	GeneralNameEDIPartyName
	// GeneralNameURI represents a Uniform Resource Identifier
	GeneralNameURI
	// GeneralNameIPAddress represents an IP address
	GeneralNameIPAddress
	// GeneralNameRegisteredID represents a registered OID
	GeneralNameRegisteredID
)

// String returns the string representation of GeneralNameType.
func (t GeneralNameType) String() string {
	switch t {
	case GeneralNameOtherName:
		return "otherName"
	case GeneralNameRFC822Name:
		return "rfc822Name"
	case GeneralNameDNSName:
		return "dNSName"
	case GeneralNameX400Address:
		return "x400Address"
	case GeneralNameDirectoryName:
		return "directoryName"
	case GeneralNameEDIPartyName:
		return "ediPartyName"
	case GeneralNameURI:
		return "uniformResourceIdentifier"
	case GeneralNameIPAddress:
		return "iPAddress"
	case GeneralNameRegisteredID:
		return "registeredID"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// DirectoryNameTreeContains reports whether name lies in the subtree rooted at base.
func DirectoryNameTreeContains(base, name DistinguishedName) bool {
	return name.WithinSubtree(base)
}

// EmailTreeContains reports whether name lies in the email subtree base.
//
// A base holding a mailbox ("user@host") matches only that mailbox. A base
// starting with '.' matches any host strictly below that domain. Any other
// base matches the host itself and every subdomain of it. name may itself
// be a mailbox, a host or a ".domain" constraint.
func EmailTreeContains(base, name string) bool {
	if base == "" {
		return false
	}
	baseMailbox, baseHost := splitEmail(base)
	nameMailbox, nameHost := splitEmail(name)

	if baseMailbox != "" {
		return nameMailbox == baseMailbox && strings.EqualFold(nameHost, baseHost)
	}

	nameHost = strings.ToLower(nameHost)
	baseHost = strings.ToLower(baseHost)
	if strings.HasPrefix(baseHost, ".") {
		return strings.HasSuffix(nameHost, baseHost) && (len(nameHost) > len(baseHost) || strings.HasPrefix(nameHost, "."))
	}
	return nameHost == baseHost || strings.HasSuffix(nameHost, "."+baseHost)
}

// splitEmail splits an email address into mailbox and host parts.
func splitEmail(email string) (mailbox, host string) {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return "", email
	}
	return email[:idx], email[idx+1:]
}

// IPTreeContains reports whether the address block name lies inside base.
// Blocks of different address families never contain each other.
func IPTreeContains(base, name *net.IPNet) bool {
	b, n := canonicalIPNet(base), canonicalIPNet(name)
	if b == nil || n == nil || len(b.IP) != len(n.IP) {
		return false
	}
	baseOnes, _ := b.Mask.Size()
	nameOnes, _ := n.Mask.Size()
	return nameOnes >= baseOnes && b.Contains(n.IP)
}

// HostNet returns the single-address block for ip.
func HostNet(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}
}

func canonicalIPNet(n *net.IPNet) *net.IPNet {
	if n == nil || len(n.IP) != len(n.Mask) {
		return nil
	}
	if _, bits := n.Mask.Size(); bits == 0 {
		// non-canonical mask
		return nil
	}
	return &net.IPNet{IP: n.IP.Mask(n.Mask), Mask: n.Mask}
}

// SubtreeSet holds the permitted or excluded subtrees of one name form.
//
// A permitted set that was never narrowed is unconstrained and admits
// every name; once narrowed it admits only names inside one of its members,
// and an intersection that leaves no member admits nothing.
type SubtreeSet[T any] struct {
	form        GeneralNameType
	members     []T
	constrained bool
	contains    func(base, name T) bool
	format      func(T) string
}

func newSubtreeSet[T any](form GeneralNameType, contains func(base, name T) bool, format func(T) string) *SubtreeSet[T] {
	return &SubtreeSet[T]{form: form, contains: contains, format: format}
}

// Members returns the current subtrees.
func (s *SubtreeSet[T]) Members() []T {
	return append([]T(nil), s.members...)
}

// Constrained reports whether the set has been narrowed at least once.
func (s *SubtreeSet[T]) Constrained() bool {
	return s.constrained
}

// CheckPermitted fails unless value lies inside some member. An
// unconstrained set admits everything.
func (s *SubtreeSet[T]) CheckPermitted(value T) error {
	if !s.constrained {
		return nil
	}
	for _, m := range s.members {
		if s.contains(m, value) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q", ErrNotPermitted, s.form, s.format(value))
}

// CheckExcluded fails if value lies inside any member.
func (s *SubtreeSet[T]) CheckExcluded(value T) error {
	for _, m := range s.members {
		if s.contains(m, value) {
			return fmt.Errorf("%w: %s %q is within %q", ErrExcluded, s.form, s.format(value), s.format(m))
		}
	}
	return nil
}

// Intersect narrows the set with the subtrees one certificate declares for
// this form. The first declaration seeds the set. Afterwards, for every
// pair of an existing member and a declared value where one contains the
// other, the narrower of the two is kept; unrelated members are dropped.
func (s *SubtreeSet[T]) Intersect(values ...T) {
	if len(values) == 0 {
		return
	}
	if !s.constrained {
		s.constrained = true
		s.members = nil
		for _, v := range values {
			s.add(v)
		}
		return
	}
	old := s.members
	s.members = nil
	for _, m := range old {
		for _, v := range values {
			switch {
			case s.contains(m, v):
				s.add(v)
			case s.contains(v, m):
				s.add(m)
			}
		}
	}
}

// Union broadens the set with excluded subtrees. A value already covered
// by a member is dropped; members covered by the value are replaced by it.
func (s *SubtreeSet[T]) Union(values ...T) {
	for _, v := range values {
		covered := false
		for _, m := range s.members {
			if s.contains(m, v) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		kept := s.members[:0:0]
		for _, m := range s.members {
			if !s.contains(v, m) {
				kept = append(kept, m)
			}
		}
		s.members = append(kept, v)
	}
}

func (s *SubtreeSet[T]) add(v T) {
	for _, m := range s.members {
		if s.contains(m, v) && s.contains(v, m) {
			return
		}
	}
	s.members = append(s.members, v)
}

// SubjectNames are the names of a certificate that name constraints apply to.
type SubjectNames struct {
	DirectoryNames []DistinguishedName
	Emails         []string
	IPAddresses    []net.IP
}

// subjectNamesOf collects the subject DN, any emailAddress attributes of the
// subject and the directoryName, rfc822Name and iPAddress subject
// alternative names.
func subjectNamesOf(cert *x509.Certificate) (SubjectNames, error) {
	var names SubjectNames
	subject, err := ParseDistinguishedName(cert.RawSubject)
	if err != nil {
		return names, err
	}
	if !subject.IsEmpty() {
		names.DirectoryNames = append(names.DirectoryNames, subject)
	}
	names.Emails = append(names.Emails, subject.EmailAddresses()...)

	if value, _, ok := FindExtension(cert.Extensions, OIDSubjectAltName); ok {
		san, err := parseSubjectAltNames(value)
		if err != nil {
			return names, err
		}
		names.DirectoryNames = append(names.DirectoryNames, san.DirectoryNames...)
		names.Emails = append(names.Emails, san.Emails...)
		names.IPAddresses = append(names.IPAddresses, san.IPAddresses...)
	}
	return names, nil
}

// NameConstraints tracks permitted and excluded subtrees for the three
// name forms the validator enforces.
type NameConstraints struct {
	PermittedDirectoryNames *SubtreeSet[DistinguishedName]
	ExcludedDirectoryNames  *SubtreeSet[DistinguishedName]
	PermittedEmails         *SubtreeSet[string]
	ExcludedEmails          *SubtreeSet[string]
	PermittedIPRanges       *SubtreeSet[*net.IPNet]
	ExcludedIPRanges        *SubtreeSet[*net.IPNet]
}

// NewNameConstraints creates unconstrained permitted sets and empty excluded sets.
func NewNameConstraints() *NameConstraints {
	dn := func() *SubtreeSet[DistinguishedName] {
		return newSubtreeSet(GeneralNameDirectoryName, DirectoryNameTreeContains, DistinguishedName.String)
	}
	email := func() *SubtreeSet[string] {
		return newSubtreeSet(GeneralNameRFC822Name, EmailTreeContains, func(s string) string { return s })
	}
	ip := func() *SubtreeSet[*net.IPNet] {
		return newSubtreeSet(GeneralNameIPAddress, IPTreeContains, (*net.IPNet).String)
	}
	return &NameConstraints{
		PermittedDirectoryNames: dn(),
		ExcludedDirectoryNames:  dn(),
		PermittedEmails:         email(),
		ExcludedEmails:          email(),
		PermittedIPRanges:       ip(),
		ExcludedIPRanges:        ip(),
	}
}

// CheckPermitted verifies that every name lies within the permitted subtrees.
func (nc *NameConstraints) CheckPermitted(names SubjectNames) error {
	for _, dn := range names.DirectoryNames {
		if err := nc.PermittedDirectoryNames.CheckPermitted(dn); err != nil {
			return err
		}
	}
	for _, email := range names.Emails {
		if err := nc.PermittedEmails.CheckPermitted(email); err != nil {
			return err
		}
	}
	for _, ip := range names.IPAddresses {
		if err := nc.PermittedIPRanges.CheckPermitted(HostNet(ip)); err != nil {
			return err
		}
	}
	return nil
}

// CheckExcluded verifies that no name lies within an excluded subtree.
func (nc *NameConstraints) CheckExcluded(names SubjectNames) error {
	for _, dn := range names.DirectoryNames {
		if err := nc.ExcludedDirectoryNames.CheckExcluded(dn); err != nil {
			return err
		}
	}
	for _, email := range names.Emails {
		if err := nc.ExcludedEmails.CheckExcluded(email); err != nil {
			return err
		}
	}
	for _, ip := range names.IPAddresses {
		if err := nc.ExcludedIPRanges.CheckExcluded(HostNet(ip)); err != nil {
			return err
		}
	}
	return nil
}

// IntersectPermitted narrows the permitted subtrees with a certificate's
// permittedSubtrees.
func (nc *NameConstraints) IntersectPermitted(g GeneralSubtrees) {
	nc.PermittedDirectoryNames.Intersect(g.DirectoryNames...)
	nc.PermittedEmails.Intersect(g.Emails...)
	nc.PermittedIPRanges.Intersect(g.IPRanges...)
}

// UnionExcluded adds a certificate's excludedSubtrees.
func (nc *NameConstraints) UnionExcluded(g GeneralSubtrees) {
	nc.ExcludedDirectoryNames.Union(g.DirectoryNames...)
	nc.ExcludedEmails.Union(g.Emails...)
	nc.ExcludedIPRanges.Union(g.IPRanges...)
}
