// Package keys loads certificates and CRLs from PEM, DER and PKCS#7
// encoded files.
package keys

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/cloudflare/cfssl/crypto/pkcs7"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
)

// Common errors
var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrNoCRLFound      = errors.New("no CRL found in data")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrParsePKCS7      = errors.New("failed to parse PKCS#7 data")
)

// PEM block types.
const (
	blockCertificate = "CERTIFICATE"
	blockPKCS7       = "PKCS7"
	blockCMS         = "CMS"
	blockCRL         = "X509 CRL"
)

// LoadCertsFromPemDer loads certificates from a PEM, DER or PKCS#7 file.
func LoadCertsFromPemDer(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCertsFromPemDerData(data)
}

// LoadCertsFromPemDerData loads certificates from PEM, DER or PKCS#7 data,
// in the order they appear.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}

			switch block.Type {
			case blockCertificate:
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			case blockPKCS7, blockCMS:
				bundle, err := parsePKCS7Certs(block.Bytes)
				if err != nil {
					return nil, err
				}
				certs = append(certs, bundle...)
			}
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			bundle, p7err := parsePKCS7Certs(data)
			if p7err != nil {
				return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
			}
			parsed = bundle
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}

	return certs, nil
}

// parsePKCS7Certs extracts the certificates of a PKCS#7 SignedData bundle.
func parsePKCS7Certs(der []byte) ([]*x509.Certificate, error) {
	p, err := pkcs7.ParsePKCS7(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePKCS7, err)
	}
	if p.ContentInfo != "SignedData" || p.Content.SignedData.Certificates == nil {
		return nil, fmt.Errorf("%w: no certificates in %s content", ErrParsePKCS7, p.ContentInfo)
	}
	return p.Content.SignedData.Certificates, nil
}

// LoadCertsFromPemDerFiles loads certificates from multiple files.
func LoadCertsFromPemDerFiles(filenames []string) ([]*x509.Certificate, error) {
	var allCerts []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertsFromPemDer(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", filename, err)
		}
		allCerts = append(allCerts, certs...)
	}
	return allCerts, nil
}

// LoadCRLs loads every CRL of a PEM or DER encoded file.
func LoadCRLs(filename string) ([]*revinfo.CRLInfo, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCRLsFromData(data)
}

// LoadCRLsFromData loads CRLs from PEM or DER data.
func LoadCRLsFromData(data []byte) ([]*revinfo.CRLInfo, error) {
	var crls []*revinfo.CRLInfo

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != blockCRL {
				continue
			}
			ci, err := revinfo.NewCRLInfo(block.Bytes)
			if err != nil {
				return nil, err
			}
			crls = append(crls, ci)
		}
	} else if len(data) > 0 {
		ci, err := revinfo.NewCRLInfo(data)
		if err != nil {
			return nil, err
		}
		crls = append(crls, ci)
	}

	if len(crls) == 0 {
		return nil, ErrNoCRLFound
	}
	return crls, nil
}

// LoadCRLFiles loads CRLs from multiple files.
func LoadCRLFiles(filenames []string) ([]*revinfo.CRLInfo, error) {
	var all []*revinfo.CRLInfo
	for _, filename := range filenames {
		crls, err := LoadCRLs(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load CRLs from %s: %w", filename, err)
		}
		all = append(all, crls...)
	}
	return all, nil
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && bytes.Contains(data, []byte("-----BEGIN "))
}

// CertificateChain is a certification path as read from files.
type CertificateChain struct {
	// EndEntity is the end-entity (leaf) certificate.
	EndEntity *x509.Certificate

	// Intermediates are the intermediate certificates, nearest the end
	// entity first.
	Intermediates []*x509.Certificate

	// Root is the last certificate if it is self-signed.
	Root *x509.Certificate
}

// Certificates returns the chain end-entity first, including Root.
func (c *CertificateChain) Certificates() []*x509.Certificate {
	out := append([]*x509.Certificate{c.EndEntity}, c.Intermediates...)
	if c.Root != nil {
		out = append(out, c.Root)
	}
	return out
}

// LoadCertificateChain loads a certificate chain from files.
// The first certificate read is the end-entity certificate.
func LoadCertificateChain(certFiles []string) (*CertificateChain, error) {
	if len(certFiles) == 0 {
		return nil, errors.New("no certificate files provided")
	}

	allCerts, err := LoadCertsFromPemDerFiles(certFiles)
	if err != nil {
		return nil, err
	}
	if len(allCerts) == 0 {
		return nil, ErrNoCertFound
	}

	chain := &CertificateChain{
		EndEntity: allCerts[0],
	}

	if len(allCerts) > 1 {
		chain.Intermediates = allCerts[1:]

		lastCert := allCerts[len(allCerts)-1]
		if isSelfSigned(lastCert) {
			chain.Root = lastCert
			chain.Intermediates = allCerts[1 : len(allCerts)-1]
		}
	}

	return chain, nil
}

// isSelfSigned checks whether cert names itself as issuer and its own key
// verifies its signature.
func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}
