package certvalidator

import (
	"crypto/x509/pkix"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

func TestFindExtension(t *testing.T) {
	exts := []pkix.Extension{
		{Id: OIDKeyUsage, Critical: true, Value: []byte{0x03, 0x02, 0x01, 0x06}},
		{Id: OIDCertificatePolicies, Value: []byte{0x30, 0x00}},
	}
	value, critical, ok := FindExtension(exts, OIDKeyUsage)
	if !ok || !critical || len(value) != 4 {
		t.Errorf("Unexpected lookup result: %x %v %v", value, critical, ok)
	}
	if _, _, ok := FindExtension(exts, OIDNameConstraints); ok {
		t.Error("Expected a missing extension to be reported through ok")
	}
	if diff := cmp.Diff([]string{OIDKeyUsage.String()}, CriticalExtensionOIDs(exts)); diff != "" {
		t.Errorf("Unexpected critical OIDs (-want +got):\n%s", diff)
	}
}

func TestParseBasicConstraints(t *testing.T) {
	encode := func(ca bool, pathLen int64) []byte {
		return buildDER(func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				if ca {
					b.AddASN1Boolean(true)
				}
				if pathLen >= 0 {
					b.AddASN1Int64(pathLen)
				}
			})
		})
	}

	tests := []struct {
		name    string
		der     []byte
		isCA    bool
		pathLen int
		wantErr bool
	}{
		{name: "empty", der: encode(false, -1), isCA: false, pathLen: -1},
		{name: "ca", der: encode(true, -1), isCA: true, pathLen: -1},
		{name: "ca with path length", der: encode(true, 2), isCA: true, pathLen: 2},
		{name: "trailing data", der: append(encode(true, 0), 0x00), wantErr: true},
		{name: "not a sequence", der: []byte{0x02, 0x01, 0x00}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isCA, pathLen, err := parseBasicConstraints(tt.der)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedExtension) {
					t.Errorf("Expected ErrMalformedExtension, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBasicConstraints failed: %v", err)
			}
			if isCA != tt.isCA || pathLen != tt.pathLen {
				t.Errorf("Got (%v, %d), want (%v, %d)", isCA, pathLen, tt.isCA, tt.pathLen)
			}
		})
	}
}

func TestParseCertificatePolicies(t *testing.T) {
	policies, err := parseCertificatePolicies(policiesExt(false, testPolicyA, AnyPolicy).Value)
	if err != nil {
		t.Fatalf("parseCertificatePolicies failed: %v", err)
	}
	want := []CertificatePolicy{{PolicyIdentifier: testPolicyA}, {PolicyIdentifier: AnyPolicy}}
	if diff := cmp.Diff(want, policies); diff != "" {
		t.Errorf("Unexpected policies (-want +got):\n%s", diff)
	}

	if _, err := parseCertificatePolicies(policiesExt(false, testPolicyA, testPolicyA).Value); !errors.Is(err, ErrMalformedExtension) {
		t.Errorf("Expected duplicate policies to be rejected, got %v", err)
	}
}

func TestParseCertificatePoliciesQualifiers(t *testing.T) {
	cps := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(mustOID("1.3.6.1.5.5.7.2.1"))
			b.AddASN1(cryptobyte_asn1.IA5String, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte("https://example.com/cps"))
			})
		})
	})
	der := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(mustOID(testPolicyA))
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddBytes(cps)
				})
			})
		})
	})

	policies, err := parseCertificatePolicies(der)
	if err != nil {
		t.Fatalf("parseCertificatePolicies failed: %v", err)
	}
	if len(policies) != 1 || len(policies[0].Qualifiers) != 1 {
		t.Fatalf("Expected one policy with one qualifier, got %+v", policies)
	}
	if diff := cmp.Diff(cps, policies[0].Qualifiers[0]); diff != "" {
		t.Errorf("Expected the qualifier kept in DER form (-want +got):\n%s", diff)
	}
}

func TestParsePolicyMappings(t *testing.T) {
	mappings, err := parsePolicyMappings(policyMappingsExt([2]string{testPolicyA, testPolicyB}).Value)
	if err != nil {
		t.Fatalf("parsePolicyMappings failed: %v", err)
	}
	want := []PolicyMapping{{IssuerDomainPolicy: testPolicyA, SubjectDomainPolicy: testPolicyB}}
	if diff := cmp.Diff(want, mappings); diff != "" {
		t.Errorf("Unexpected mappings (-want +got):\n%s", diff)
	}
}

func TestParsePolicyConstraints(t *testing.T) {
	tests := []struct {
		requireExplicit, inhibitMapping int
	}{
		{0, -1},
		{-1, 3},
		{2, 0},
		{-1, -1},
	}
	for _, tt := range tests {
		req, inh, err := parsePolicyConstraints(policyConstraintsExt(tt.requireExplicit, tt.inhibitMapping).Value)
		if err != nil {
			t.Fatalf("parsePolicyConstraints(%d, %d) failed: %v", tt.requireExplicit, tt.inhibitMapping, err)
		}
		if req != tt.requireExplicit || inh != tt.inhibitMapping {
			t.Errorf("Got (%d, %d), want (%d, %d)", req, inh, tt.requireExplicit, tt.inhibitMapping)
		}
	}
}

func TestParseInhibitAnyPolicy(t *testing.T) {
	n, err := parseInhibitAnyPolicy(inhibitAnyPolicyExt(3).Value)
	if err != nil || n != 3 {
		t.Errorf("parseInhibitAnyPolicy() = %d, %v", n, err)
	}
	if _, err := parseInhibitAnyPolicy(inhibitAnyPolicyExt(-1).Value); !errors.Is(err, ErrMalformedExtension) {
		t.Errorf("Expected a negative value to be rejected, got %v", err)
	}
}

func TestParseNameConstraints(t *testing.T) {
	ext := nameConstraintsExt(t,
		testSubtrees{
			dirs:   []pkix.Name{{Organization: []string{"Test Org"}}},
			emails: []string{".example.com"},
		},
		testSubtrees{
			ips: []*net.IPNet{mustCIDR("192.168.0.0/16")},
		},
	)

	permitted, excluded, err := parseNameConstraints(ext.Value)
	if err != nil {
		t.Fatalf("parseNameConstraints failed: %v", err)
	}
	if len(permitted.DirectoryNames) != 1 || permitted.DirectoryNames[0].String() != "O=Test Org" {
		t.Errorf("Unexpected permitted names: %v", permitted.DirectoryNames)
	}
	if diff := cmp.Diff([]string{".example.com"}, permitted.Emails); diff != "" {
		t.Errorf("Unexpected permitted emails (-want +got):\n%s", diff)
	}
	if len(permitted.IPRanges) != 0 {
		t.Errorf("Unexpected permitted ranges: %v", permitted.IPRanges)
	}
	if len(excluded.IPRanges) != 1 || excluded.IPRanges[0].String() != "192.168.0.0/16" {
		t.Errorf("Unexpected excluded ranges: %v", excluded.IPRanges)
	}
}

func TestParseNameConstraintsSkipsOtherForms(t *testing.T) {
	der := buildDER(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					// dNSName
					b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
						b.AddBytes([]byte("example.com"))
					})
				})
			})
		})
	})
	permitted, excluded, err := parseNameConstraints(der)
	if err != nil {
		t.Fatalf("parseNameConstraints failed: %v", err)
	}
	if !permitted.IsEmpty() || !excluded.IsEmpty() {
		t.Errorf("Expected dNSName subtrees to be ignored, got %+v / %+v", permitted, excluded)
	}
}

func TestParseSubjectAltNames(t *testing.T) {
	root := issue(t, caSpec("Test Root CA"), nil)
	spec := leafSpec("Alice")
	spec.emails = []string{"alice@example.com"}
	spec.ips = []net.IP{net.ParseIP("2001:db8::1")}
	leaf := issue(t, spec, root)

	value, _, ok := FindExtension(leaf.cert.Extensions, OIDSubjectAltName)
	if !ok {
		t.Fatal("Expected a subjectAltName extension")
	}
	san, err := parseSubjectAltNames(value)
	if err != nil {
		t.Fatalf("parseSubjectAltNames failed: %v", err)
	}
	if diff := cmp.Diff([]string{"alice@example.com"}, san.Emails); diff != "" {
		t.Errorf("Unexpected emails (-want +got):\n%s", diff)
	}
	if len(san.IPAddresses) != 1 || !san.IPAddresses[0].Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("Unexpected addresses: %v", san.IPAddresses)
	}
}
