package certstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/shineum/smime-signer/internal/keymat"
)

// pemCertificateBegin marks the start of a certificate block.
var pemCertificateBegin = []byte("-----BEGIN CERTIFICATE-----")

// LoadIntermediateChain reads a bundle of concatenated PEM certificates.
// An empty path or a missing file yields an empty chain. Text between blocks
// and PEM blocks of other types are skipped; a certificate block that is
// truncated or does not parse fails the whole load with ErrParse.
// Certificates are returned in file order.
func LoadIntermediateChain(path string) (*keymat.Chain, error) {
	if path == "" {
		return keymat.NewChain(nil), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return keymat.NewChain(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read intermediate bundle: %v", ErrParse, err)
	}

	certs, err := parseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return keymat.NewChain(certs), nil
}

// parseCertificates decodes every CERTIFICATE block in data.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	want := countBlocks(data)

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %d: %v", ErrParse, len(certs)+1, err)
		}
		certs = append(certs, cert)
	}

	// pem.Decode silently steps over blocks it cannot frame.
	if len(certs) != want {
		return nil, fmt.Errorf("%w: found %d certificate blocks, decoded %d", ErrParse, want, len(certs))
	}

	return certs, nil
}

// countBlocks counts the lines that open a certificate block. The marker
// quoted inside a line of free text does not count.
func countBlocks(data []byte) int {
	n := 0
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if bytes.HasPrefix(line, pemCertificateBegin) {
			n++
		}
	}
	return n
}
