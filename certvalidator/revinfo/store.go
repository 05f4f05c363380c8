package revinfo

import (
	"bytes"
	"crypto/x509"
	"sync"
)

// CRLSelector narrows a CRL lookup to the CRLs that can speak for one
// certificate.
type CRLSelector struct {
	// Issuer is the DER encoded issuer name the CRL must carry.
	Issuer []byte
	// Certificate, when set, restricts matches to CRLs whose scope covers it.
	Certificate *x509.Certificate
}

// SelectorFor returns the selector matching CRLs for cert.
func SelectorFor(cert *x509.Certificate) *CRLSelector {
	return &CRLSelector{Issuer: cert.RawIssuer, Certificate: cert}
}

// Match reports whether the CRL satisfies the selector.
func (s *CRLSelector) Match(ci *CRLInfo) bool {
	if ci == nil || !bytes.Equal(ci.RawIssuer(), s.Issuer) {
		return false
	}
	if s.Certificate != nil {
		isCA := s.Certificate.BasicConstraintsValid && s.Certificate.IsCA
		if !ci.Scope.Covers(isCA) {
			return false
		}
	}
	return true
}

// CRLStore is a source of CRLs. Implementations may return a superset of
// the matching CRLs; callers filter with CRLSelector.Match.
type CRLStore interface {
	FindCRLs(sel *CRLSelector) ([]*CRLInfo, error)
}

// MemoryStore is an in-memory CRL store safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	crls []*CRLInfo
}

// NewMemoryStore creates a store holding the given CRLs.
func NewMemoryStore(crls ...*CRLInfo) *MemoryStore {
	s := &MemoryStore{}
	s.Add(crls...)
	return s
}

// Add registers CRLs with the store.
func (s *MemoryStore) Add(crls ...*CRLInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ci := range crls {
		if ci != nil {
			s.crls = append(s.crls, ci)
		}
	}
}

// Len returns the number of CRLs held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.crls)
}

// FindCRLs returns the CRLs matching sel.
func (s *MemoryStore) FindCRLs(sel *CRLSelector) ([]*CRLInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CRLInfo
	for _, ci := range s.crls {
		if sel == nil || sel.Match(ci) {
			out = append(out, ci)
		}
	}
	return out, nil
}
