package certvalidator

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

var oidDeltaCRLIndicator = mustOID("2.5.29.27")

type crlSpec struct {
	number int64
	// deltaIndicator, when non-zero, makes the CRL a delta CRL.
	deltaIndicator int64
	thisUpdate     time.Time
	nextUpdate     time.Time
	entries        []x509.RevocationListEntry
	extensions     []pkix.Extension
}

func makeCRL(t *testing.T, issuer *testCert, spec crlSpec) *revinfo.CRLInfo {
	t.Helper()
	if spec.thisUpdate.IsZero() {
		spec.thisUpdate = testNow.Add(-time.Hour)
	}
	if spec.nextUpdate.IsZero() {
		spec.nextUpdate = spec.thisUpdate.Add(7 * 24 * time.Hour)
	}
	if spec.number == 0 {
		spec.number = 1
	}
	exts := spec.extensions
	if spec.deltaIndicator != 0 {
		value := buildDER(func(b *cryptobyte.Builder) {
			b.AddASN1Int64(spec.deltaIndicator)
		})
		exts = append(exts, pkix.Extension{Id: oidDeltaCRLIndicator, Critical: true, Value: value})
	}

	// Certificates without cRLSign are still allowed to produce test CRLs.
	signer := *issuer.cert
	signer.KeyUsage |= x509.KeyUsageCRLSign

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(spec.number),
		ThisUpdate:                spec.thisUpdate,
		NextUpdate:                spec.nextUpdate,
		RevokedCertificateEntries: spec.entries,
		ExtraExtensions:           exts,
	}, &signer, issuer.key)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	info, err := revinfo.NewCRLInfo(der)
	if err != nil {
		t.Fatalf("Failed to parse CRL: %v", err)
	}
	return info
}

// idpExt encodes an issuingDistributionPoint extension. reasons is the
// onlySomeReasons BIT STRING content, unused-bits byte first, or nil.
func idpExt(reasons []byte, indirect bool) pkix.Extension {
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if reasons != nil {
				b.AddASN1(cryptobyte_asn1.Tag(3).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(reasons)
				})
			}
			if indirect {
				b.AddASN1(cryptobyte_asn1.Tag(4).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddUint8(0xff)
				})
			}
		})
	})
	return pkix.Extension{Id: OIDIssuingDistributionPoint, Critical: true, Value: value}
}

// Reason flag encodings: keyCompromise alone, and every other reason.
var (
	keyCompromiseOnly   = []byte{0x06, 0x40}
	allButKeyCompromise = []byte{0x07, 0x3f, 0x80}
)

func revokedEntry(cert *testCert, at time.Time, reason revinfo.RevocationReason) x509.RevocationListEntry {
	return x509.RevocationListEntry{
		SerialNumber:   cert.cert.SerialNumber,
		RevocationTime: at,
		ReasonCode:     int(reason),
	}
}

func TestRevocationCheckerCheck(t *testing.T) {
	issuer := issue(t, caSpec("CRL Issuer CA"), nil)
	subject := issue(t, leafSpec("Checked Leaf"), issuer)
	impostor := issue(t, caSpec("CRL Issuer CA"), nil)

	tests := []struct {
		name  string
		crls  func() []*revinfo.CRLInfo
		kind  ErrorKind // zero means not revoked
		cause error
	}{
		{
			name:  "no CRL",
			crls:  func() []*revinfo.CRLInfo { return nil },
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "empty CRL",
			crls: func() []*revinfo.CRLInfo { return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{})} },
		},
		{
			name: "revoked before validation time",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					entries: []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-2*time.Hour), revinfo.ReasonKeyCompromise)},
				})}
			},
			kind: RevocationRevoked,
		},
		{
			name: "revoked after validation time",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					thisUpdate: testNow.Add(-time.Hour),
					nextUpdate: testNow.Add(48 * time.Hour),
					entries:    []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(time.Hour), revinfo.ReasonKeyCompromise)},
				})}
			},
		},
		{
			name: "issued after certificate expiry",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					thisUpdate: subject.cert.NotAfter.Add(time.Hour),
					nextUpdate: subject.cert.NotAfter.Add(48 * time.Hour),
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "stale",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					thisUpdate: testNow.Add(-72 * time.Hour),
					nextUpdate: testNow.Add(-24 * time.Hour),
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "unsupported critical extension",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					extensions: []pkix.Extension{{Id: mustOID("1.3.6.1.4.1.55555.9.2"), Critical: true, Value: []byte{0x05, 0x00}}},
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "delta without base",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{
					makeCRL(t, issuer, crlSpec{number: 3}),
					makeCRL(t, issuer, crlSpec{number: 7, deltaIndicator: 6}),
				}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrDeltaWithoutBase,
		},
		{
			name: "delta removes hold",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{
					makeCRL(t, issuer, crlSpec{
						number:  5,
						entries: []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-3*time.Hour), revinfo.ReasonCertificateHold)},
					}),
					makeCRL(t, issuer, crlSpec{
						number:         7,
						deltaIndicator: 6,
						entries:        []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-2*time.Hour), revinfo.ReasonRemoveFromCRL)},
					}),
				}
			},
		},
		{
			name: "delta revokes",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{
					makeCRL(t, issuer, crlSpec{number: 5}),
					makeCRL(t, issuer, crlSpec{
						number:         7,
						deltaIndicator: 6,
						entries:        []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-2*time.Hour), revinfo.ReasonSuperseded)},
					}),
				}
			},
			kind: RevocationRevoked,
		},
		{
			name: "only some reasons",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					extensions: []pkix.Extension{idpExt(keyCompromiseOnly, false)},
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrIncompleteReasons,
		},
		{
			name: "reason partitions cover every reason",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{
					makeCRL(t, issuer, crlSpec{number: 1, extensions: []pkix.Extension{idpExt(keyCompromiseOnly, false)}}),
					makeCRL(t, issuer, crlSpec{number: 2, extensions: []pkix.Extension{idpExt(allButKeyCompromise, false)}}),
				}
			},
		},
		{
			name: "revoked in reason partition",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					extensions: []pkix.Extension{idpExt(keyCompromiseOnly, false)},
					entries:    []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-2*time.Hour), revinfo.ReasonKeyCompromise)},
				})}
			},
			kind: RevocationRevoked,
		},
		{
			name: "indirect CRL",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					extensions: []pkix.Extension{idpExt(nil, true)},
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "unsupported critical entry extension",
			crls: func() []*revinfo.CRLInfo {
				entry := revokedEntry(issue(t, leafSpec("Other Leaf"), issuer), testNow.Add(-2*time.Hour), revinfo.ReasonSuperseded)
				entry.ExtraExtensions = []pkix.Extension{{Id: mustOID("1.3.6.1.4.1.55555.9.3"), Critical: true, Value: []byte{0x05, 0x00}}}
				return []*revinfo.CRLInfo{makeCRL(t, issuer, crlSpec{
					entries: []x509.RevocationListEntry{entry},
				})}
			},
			kind:  RevocationNoValidCrl,
			cause: ErrNoValidCRL,
		},
		{
			name: "signed by another key",
			crls: func() []*revinfo.CRLInfo {
				return []*revinfo.CRLInfo{makeCRL(t, impostor, crlSpec{})}
			},
			kind: RevocationCrlSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewRevocationChecker(nil, revinfo.NewMemoryStore(tt.crls()...))
			err := checker.Check(0, subject.cert, issuer.cert, issuer.cert.PublicKey, testNow)
			if tt.kind == 0 {
				if err != nil {
					t.Fatalf("Check failed: %v", err)
				}
				return
			}
			expectValidationError(t, err, 0, tt.kind)
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Expected cause %v, got %v", tt.cause, err)
			}
		})
	}
}

func TestRevocationCheckerRevokedDetails(t *testing.T) {
	issuer := issue(t, caSpec("CRL Issuer CA"), nil)
	subject := issue(t, leafSpec("Checked Leaf"), issuer)
	revokedAt := testNow.Add(-2 * time.Hour).Truncate(time.Second)

	crl := makeCRL(t, issuer, crlSpec{
		entries: []x509.RevocationListEntry{revokedEntry(subject, revokedAt, revinfo.ReasonKeyCompromise)},
	})
	checker := NewRevocationChecker(nil, revinfo.NewMemoryStore(crl))
	err := checker.Check(0, subject.cert, issuer.cert, issuer.cert.PublicKey, testNow)

	var revoked *RevokedError
	if !errors.As(err, &revoked) {
		t.Fatalf("Expected RevokedError, got %v", err)
	}
	if revoked.SerialNumber.Cmp(subject.cert.SerialNumber) != 0 {
		t.Errorf("Expected serial %s, got %s", subject.cert.SerialNumber, revoked.SerialNumber)
	}
	if revoked.Reason != revinfo.ReasonKeyCompromise {
		t.Errorf("Expected keyCompromise, got %s", revoked.Reason)
	}
	if !revoked.RevocationDt.Equal(revokedAt) {
		t.Errorf("Expected revocation time %v, got %v", revokedAt, revoked.RevocationDt)
	}
}

func TestRevocationCheckerIssuerWithoutCRLSign(t *testing.T) {
	spec := caSpec("Cert Only CA")
	spec.keyUsage = x509.KeyUsageCertSign
	issuer := issue(t, spec, nil)
	subject := issue(t, leafSpec("Checked Leaf"), issuer)

	checker := NewRevocationChecker(nil, revinfo.NewMemoryStore(makeCRL(t, issuer, crlSpec{})))
	err := checker.Check(0, subject.cert, issuer.cert, issuer.cert.PublicKey, testNow)
	ve := expectValidationError(t, err, 0, RevocationIssuerNotAuthorized)
	if !errors.Is(ve, ErrCRLSignNotAllowed) {
		t.Errorf("Expected ErrCRLSignNotAllowed, got %v", ve.Cause)
	}

	// Named key anchors carry no key usage to check.
	if err := checker.Check(0, subject.cert, nil, issuer.cert.PublicKey, testNow); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
}

func TestRevocationCheckerIgnoresOtherIssuers(t *testing.T) {
	issuer := issue(t, caSpec("CRL Issuer CA"), nil)
	other := issue(t, caSpec("Other CA"), nil)
	subject := issue(t, leafSpec("Checked Leaf"), issuer)

	crl := makeCRL(t, other, crlSpec{
		entries: []x509.RevocationListEntry{revokedEntry(subject, testNow.Add(-time.Hour), revinfo.ReasonKeyCompromise)},
	})
	checker := NewRevocationChecker(nil, revinfo.NewMemoryStore(crl))
	err := checker.Check(0, subject.cert, issuer.cert, issuer.cert.PublicKey, testNow)
	expectValidationError(t, err, 0, RevocationNoValidCrl)
}

func TestValidatePathWithRevocation(t *testing.T) {
	root, inter, leaf := threeCertChain(t)
	chain := chainOf(root, inter, leaf)
	rootCRL := makeCRL(t, root, crlSpec{})

	t.Run("missing CRL for leaf", func(t *testing.T) {
		params := testParams(root)
		params.RevocationEnabled = true
		params.CRLStores = []revinfo.CRLStore{revinfo.NewMemoryStore(rootCRL)}

		_, err := ValidatePath(chain, params)
		expectValidationError(t, err, 0, RevocationNoValidCrl)
	})

	t.Run("not revoked", func(t *testing.T) {
		params := testParams(root)
		params.RevocationEnabled = true
		params.CRLStores = []revinfo.CRLStore{
			revinfo.NewMemoryStore(rootCRL),
			revinfo.NewMemoryStore(makeCRL(t, inter, crlSpec{})),
		}
		if _, err := ValidatePath(chain, params); err != nil {
			t.Fatalf("ValidatePath failed: %v", err)
		}
	})

	t.Run("leaf revoked in bolt store", func(t *testing.T) {
		store, err := revinfo.OpenBoltStore(filepath.Join(t.TempDir(), "crls.db"))
		if err != nil {
			t.Fatalf("OpenBoltStore failed: %v", err)
		}
		defer store.Close()

		interCRL := makeCRL(t, inter, crlSpec{
			entries: []x509.RevocationListEntry{revokedEntry(leaf, testNow.Add(-time.Hour), revinfo.ReasonKeyCompromise)},
		})
		for _, ci := range []*revinfo.CRLInfo{rootCRL, interCRL} {
			if err := store.Put(ci); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}

		params := testParams(root)
		params.RevocationEnabled = true
		params.CRLStores = []revinfo.CRLStore{store}
		_, err = ValidatePath(chain, params)
		expectValidationError(t, err, 0, RevocationRevoked)
	})

	t.Run("disabled", func(t *testing.T) {
		if _, err := ValidatePath(chain, testParams(root)); err != nil {
			t.Fatalf("ValidatePath failed: %v", err)
		}
	})
}
