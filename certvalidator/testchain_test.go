package certvalidator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var testSerial atomic.Int64

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// testCert is a generated certificate together with its private key.
type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// certSpec describes a certificate to generate. The zero value is a
// currently valid end-entity certificate.
type certSpec struct {
	subject   pkix.Name
	notBefore time.Time
	notAfter  time.Time

	ca                 bool
	noBasicConstraints bool
	// notCA emits basicConstraints with cA false on a non-CA certificate.
	notCA bool
	// pathLen is only used for CA certificates; -1 leaves it unset.
	pathLen  int
	keyUsage x509.KeyUsage

	emails []string
	ips    []net.IP

	extensions []pkix.Extension

	// issuerName overrides the issuer name written into the certificate.
	issuerName *pkix.Name
}

func caSpec(cn string) certSpec {
	return certSpec{subject: pkix.Name{CommonName: cn, Organization: []string{"Test Org"}}, ca: true, pathLen: -1}
}

func leafSpec(cn string) certSpec {
	return certSpec{subject: pkix.Name{CommonName: cn, Organization: []string{"Test Org"}}}
}

func (s certSpec) with(exts ...pkix.Extension) certSpec {
	s.extensions = append(append([]pkix.Extension(nil), s.extensions...), exts...)
	return s
}

func generateKey(t fataler) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

// issue creates a certificate from spec. A nil issuer makes it self-signed.
func issue(t fataler, spec certSpec, issuer *testCert) *testCert {
	t.Helper()
	key := generateKey(t)

	notBefore, notAfter := spec.notBefore, spec.notAfter
	if notBefore.IsZero() {
		notBefore = testNow.Add(-24 * time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = testNow.Add(365 * 24 * time.Hour)
	}

	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(testSerial.Add(1)),
		Subject:         spec.subject,
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		EmailAddresses:  spec.emails,
		IPAddresses:     spec.ips,
		ExtraExtensions: spec.extensions,
		KeyUsage:        spec.keyUsage,
	}
	if spec.ca {
		tmpl.BasicConstraintsValid = !spec.noBasicConstraints
		tmpl.IsCA = true
		if tmpl.KeyUsage == 0 {
			tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
		switch {
		case spec.pathLen == 0:
			tmpl.MaxPathLenZero = true
		case spec.pathLen > 0:
			tmpl.MaxPathLen = spec.pathLen
		default:
			tmpl.MaxPathLen = -1
		}
	} else {
		tmpl.BasicConstraintsValid = spec.notCA
		if tmpl.KeyUsage == 0 {
			tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		}
	}

	parent, signer := tmpl, key
	if issuer != nil {
		parent, signer = issuer.cert, issuer.key
	}
	if spec.issuerName != nil {
		fake := *parent
		fake.Subject = *spec.issuerName
		fake.RawSubject = nil
		fake.PublicKey = &signer.PublicKey
		parent = &fake
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("Failed to create certificate %q: %v", spec.subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate %q: %v", spec.subject.CommonName, err)
	}
	return &testCert{cert: cert, key: key}
}

// chainOf returns the certificates end-entity first.
func chainOf(certs ...*testCert) []*x509.Certificate {
	out := make([]*x509.Certificate, len(certs))
	for i, c := range certs {
		out[len(certs)-1-i] = c.cert
	}
	return out
}

func mustOID(s string) asn1.ObjectIdentifier {
	var oid asn1.ObjectIdentifier
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			panic(err)
		}
		oid = append(oid, n)
	}
	return oid
}

func buildDER(f func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	f(&b)
	return b.BytesOrPanic()
}

func policiesExt(critical bool, oids ...string) pkix.Extension {
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, oid := range oids {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(mustOID(oid))
				})
			}
		})
	})
	return pkix.Extension{Id: OIDCertificatePolicies, Critical: critical, Value: value}
}

func policyMappingsExt(pairs ...[2]string) pkix.Extension {
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, p := range pairs {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(mustOID(p[0]))
					b.AddASN1ObjectIdentifier(mustOID(p[1]))
				})
			}
		})
	})
	return pkix.Extension{Id: OIDPolicyMappings, Critical: true, Value: value}
}

// policyConstraintsExt encodes a policyConstraints extension; negative
// values leave the field out.
func policyConstraintsExt(requireExplicit, inhibitMapping int) pkix.Extension {
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if requireExplicit >= 0 {
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes([]byte{byte(requireExplicit)})
				})
			}
			if inhibitMapping >= 0 {
				b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes([]byte{byte(inhibitMapping)})
				})
			}
		})
	})
	return pkix.Extension{Id: OIDPolicyConstraints, Critical: true, Value: value}
}

func inhibitAnyPolicyExt(skipCerts int) pkix.Extension {
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(skipCerts))
	})
	return pkix.Extension{Id: OIDInhibitAnyPolicy, Critical: true, Value: value}
}

// testSubtrees is the input of nameConstraintsExt.
type testSubtrees struct {
	dirs   []pkix.Name
	emails []string
	ips    []*net.IPNet
}

func nameConstraintsExt(t fataler, permitted, excluded testSubtrees) pkix.Extension {
	t.Helper()
	addSubtrees := func(b *cryptobyte.Builder, tag int, s testSubtrees) {
		if len(s.dirs)+len(s.emails)+len(s.ips) == 0 {
			return
		}
		b.AddASN1(cryptobyte_asn1.Tag(tag).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			for _, dir := range s.dirs {
				raw, err := asn1.Marshal(dir.ToRDNSequence())
				if err != nil {
					t.Fatalf("Failed to encode name: %v", err)
				}
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(tagDirectoryName, func(b *cryptobyte.Builder) {
						b.AddBytes(raw)
					})
				})
			}
			for _, email := range s.emails {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(tagRFC822Name, func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(email))
					})
				})
			}
			for _, ipNet := range s.ips {
				ip := ipNet.IP.To4()
				if ip == nil || len(ipNet.Mask) != net.IPv4len {
					ip = ipNet.IP.To16()
				}
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(tagIPAddress, func(b *cryptobyte.Builder) {
						b.AddBytes(ip)
						b.AddBytes(ipNet.Mask)
					})
				})
			}
		})
	}
	value := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addSubtrees(b, 0, permitted)
			addSubtrees(b, 1, excluded)
		})
	})
	return pkix.Extension{Id: OIDNameConstraints, Critical: true, Value: value}
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// testParams returns parameters anchored at root, evaluated at testNow.
func testParams(root *testCert) *ValidationParams {
	params := NewValidationParams(NewCertTrustAnchor(root.cert))
	params.ValidationTime = testNow
	return params
}
