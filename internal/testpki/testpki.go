// Package testpki builds in-memory certificate hierarchies for tests: a root
// CA, an intermediate CA and S/MIME leaf certificates issued for an email
// address. Nothing is written to disk unless WriteFiles is called.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Authority is a certificate authority that can issue certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Identity is a leaf certificate with its private key.
type Identity struct {
	Address string
	Cert    *x509.Certificate
	Key     crypto.Signer
}

// PKI is a root CA with one intermediate CA below it.
type PKI struct {
	Root         *Authority
	Intermediate *Authority
}

// New generates a root and an intermediate CA, both ECDSA P-256, valid for
// one year.
func New() (*PKI, error) {
	root, err := newAuthority("smime-signer test root", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create root CA: %w", err)
	}

	intermediate, err := newAuthority("smime-signer test intermediate", root)
	if err != nil {
		return nil, fmt.Errorf("failed to create intermediate CA: %w", err)
	}

	return &PKI{Root: root, Intermediate: intermediate}, nil
}

// Roots returns a pool containing only the root CA.
func (p *PKI) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.Root.Cert)
	return pool
}

// Issue creates an S/MIME leaf certificate for address, signed by the
// intermediate CA.
func (p *PKI) Issue(address string) (*Identity, error) {
	return p.Intermediate.Issue(address)
}

// Issue creates an S/MIME leaf certificate for address signed by a.
func (a *Authority) Issue(address string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: address,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,

		EmailAddresses: []string{address},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Identity{Address: address, Cert: cert, Key: key}, nil
}

// newAuthority creates a CA certificate. A nil parent makes it self-signed.
func newAuthority(name string, parent *Authority) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: name,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	issuer, issuerKey := template, key
	if parent != nil {
		issuer, issuerKey = parent.Cert, parent.Key
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, issuer, &key.PublicKey, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Authority{Cert: cert, Key: key}, nil
}

func newSerial() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}

// CertPEM encodes cert as a PEM CERTIFICATE block.
func CertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// KeyPEM encodes key as a PKCS#8 PEM block.
func KeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Files are the paths written by WriteFiles.
type Files struct {
	CertFile         string
	KeyFile          string
	IntermediateFile string
}

// WriteFiles writes the identity's certificate and key, and the intermediate
// CA bundle, into dir.
func (p *PKI) WriteFiles(dir string, id *Identity) (Files, error) {
	keyPEM, err := KeyPEM(id.Key)
	if err != nil {
		return Files{}, err
	}

	files := Files{
		CertFile:         filepath.Join(dir, id.Address+".crt"),
		KeyFile:          filepath.Join(dir, id.Address+".key"),
		IntermediateFile: filepath.Join(dir, id.Address+".chain.pem"),
	}

	if err := os.WriteFile(files.CertFile, CertPEM(id.Cert), 0o600); err != nil {
		return Files{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(files.KeyFile, keyPEM, 0o600); err != nil {
		return Files{}, fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(files.IntermediateFile, CertPEM(p.Intermediate.Cert), 0o600); err != nil {
		return Files{}, fmt.Errorf("failed to write intermediate bundle: %w", err)
	}

	return files, nil
}
