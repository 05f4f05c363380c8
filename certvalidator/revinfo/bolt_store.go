package revinfo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

var crlBucket = []byte("crls")

// BoltStore persists CRLs in a bbolt database. CRLs are grouped in one
// sub-bucket per issuer, keyed by kind and CRL number, so a newer CRL with
// the same number replaces the older one.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates a CRL database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open CRL database %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(crlBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise CRL database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put stores a CRL.
func (s *BoltStore) Put(ci *CRLInfo) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	if ci == nil || len(ci.Raw) == 0 {
		return fmt.Errorf("%w: missing encoding", ErrMalformedCRL)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		issuers := tx.Bucket(crlBucket)
		b, err := issuers.CreateBucketIfNotExists(issuerKey(ci.RawIssuer()))
		if err != nil {
			return err
		}
		key := crlKey(ci)
		log.L.WithFields(log.Fields{
			"issuer":     ci.CRL.Issuer.String(),
			"crl_number": ci.Number,
			"delta":      ci.IsDelta(),
		}).Debug("storing CRL")
		return b.Put(key, ci.Raw)
	})
}

// FindCRLs returns the stored CRLs matching sel.
func (s *BoltStore) FindCRLs(sel *CRLSelector) ([]*CRLInfo, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	var out []*CRLInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		issuers := tx.Bucket(crlBucket)
		if sel == nil {
			return issuers.ForEachBucket(func(k []byte) error {
				return collect(issuers.Bucket(k), nil, &out)
			})
		}
		b := issuers.Bucket(issuerKey(sel.Issuer))
		if b == nil {
			return nil
		}
		return collect(b, sel, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// All returns every stored CRL.
func (s *BoltStore) All() ([]*CRLInfo, error) {
	return s.FindCRLs(nil)
}

func collect(b *bolt.Bucket, sel *CRLSelector, out *[]*CRLInfo) error {
	return b.ForEach(func(k, v []byte) error {
		// v is only valid for the life of the transaction.
		ci, err := NewCRLInfo(bytes.Clone(v))
		if err != nil {
			return fmt.Errorf("stored CRL %x: %w", k, err)
		}
		if sel == nil || sel.Match(ci) {
			*out = append(*out, ci)
		}
		return nil
	})
}

func issuerKey(rawIssuer []byte) []byte {
	sum := sha256.Sum256(rawIssuer)
	return []byte(hex.EncodeToString(sum[:]))
}

// crlKey is the kind byte, a digest of the issuing distribution point and
// the CRL number. Partitioned CRLs of one issuer may share a number.
func crlKey(ci *CRLInfo) []byte {
	kind := byte('f')
	if ci.IsDelta() {
		kind = 'd'
	}
	key := []byte{kind}
	var idp [8]byte
	if raw := ci.RawIDP(); len(raw) > 0 {
		sum := sha256.Sum256(raw)
		copy(idp[:], sum[:])
	}
	key = append(key, idp[:]...)
	if ci.Number != nil {
		return append(key, ci.Number.Bytes()...)
	}
	// Unnumbered CRLs are told apart by their thisUpdate.
	return append(key, []byte(ci.CRL.ThisUpdate.UTC().Format(time.RFC3339))...)
}
