// Package certstore resolves the signing identity for a sender address: the
// leaf certificate, its private key and the intermediate certificates
// between the leaf and a trust anchor.
package certstore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/shineum/smime-signer/internal/keymat"
)

var (
	// ErrNotFound is returned when no identity is registered for a sender.
	ErrNotFound = errors.New("certstore: no signing identity for sender")

	// ErrParse is returned when an intermediate bundle cannot be read or
	// contains malformed certificate data.
	ErrParse = errors.New("certstore: unusable intermediate bundle")

	// ErrKeyMaterial is returned when a registered certificate or private
	// key cannot be loaded.
	ErrKeyMaterial = errors.New("certstore: signer key material unavailable")
)

// Identity describes where the key material for one sender lives.
type Identity struct {
	// Address is the sender address, without angle brackets. Lookups are
	// case-sensitive.
	Address string

	// CertFile holds the PEM leaf certificate.
	CertFile string

	// KeyFile holds the PEM private key. If empty, the key is read from
	// CertFile.
	KeyFile string

	// IntermediateFile is an optional bundle of intermediate certificates.
	IntermediateFile string
}

// Store maps sender addresses to identities. Key material is read from disk
// on every lookup so that each signing operation owns fresh copies.
// Store is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// New creates a Store holding the given identities.
func New(identities []Identity) *Store {
	s := &Store{}
	s.Replace(identities)
	return s
}

// Replace swaps the identity table. Later entries win on duplicate addresses.
func (s *Store) Replace(identities []Identity) {
	m := make(map[string]Identity, len(identities))
	for _, id := range identities {
		m[id.Address] = id
	}

	s.mu.Lock()
	s.identities = m
	s.mu.Unlock()
}

// Len returns the number of registered identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// Lookup returns the identity registered for sender.
func (s *Store) Lookup(sender string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[sender]
	return id, ok
}

// LocateSigner loads the certificate and private key registered for sender.
// The caller owns both handles.
func (s *Store) LocateSigner(sender string) (*keymat.Certificate, *keymat.PrivateKey, error) {
	id, ok := s.Lookup(sender)
	if !ok {
		return nil, nil, ErrNotFound
	}

	cert, err := loadCertificate(id.CertFile)
	if err != nil {
		return nil, nil, err
	}

	keyFile := id.KeyFile
	if keyFile == "" {
		keyFile = id.CertFile
	}
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return nil, nil, err
	}

	return keymat.NewCertificate(cert), keymat.NewPrivateKey(key), nil
}

// ResolveChain loads the intermediate bundle registered for sender.
func (s *Store) ResolveChain(sender string) (*keymat.Chain, error) {
	id, ok := s.Lookup(sender)
	if !ok {
		return nil, ErrNotFound
	}
	return LoadIntermediateChain(id.IntermediateFile)
}

// loadCertificate returns the first certificate in a PEM file.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read certificate: %v", ErrKeyMaterial, err)
	}

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no certificate in %s", ErrKeyMaterial, path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse certificate: %v", ErrKeyMaterial, err)
		}
		return cert, nil
	}
}

// loadPrivateKey returns the first private key in a PEM file. PKCS#8,
// PKCS#1 and SEC 1 encodings are accepted.
func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read private key: %v", ErrKeyMaterial, err)
	}

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key in %s", ErrKeyMaterial, path)
		}

		var key any
		switch block.Type {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrKeyMaterial, err)
		}

		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported private key type %T", ErrKeyMaterial, key)
		}
		return signer, nil
	}
}
