package keymat

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"math/big"

	cms "github.com/github/smimesign/ietf-cms"
)

// Certificate owns a parsed X.509 certificate.
type Certificate = Handle[*x509.Certificate]

// PrivateKey owns a signing key. Releasing it zeroes the private scalars.
type PrivateKey = Handle[crypto.Signer]

// Chain owns an ordered certificate stack, nearest the signer first.
type Chain = Handle[[]*x509.Certificate]

// Buffer owns a scratch buffer. Releasing it zeroes the buffer contents.
type Buffer = Handle[*bytes.Buffer]

// Container owns a CMS signed-data structure under construction.
type Container = Handle[*cms.SignedData]

// NewCertificate takes ownership of cert.
func NewCertificate(cert *x509.Certificate) *Certificate {
	return Own(cert, nil)
}

// NewPrivateKey takes ownership of key.
func NewPrivateKey(key crypto.Signer) *PrivateKey {
	return Own(key, zeroKey)
}

// NewChain takes ownership of certs. The slice must not be used by the caller
// afterwards.
func NewChain(certs []*x509.Certificate) *Chain {
	return Own(certs, func(c []*x509.Certificate) {
		clear(c)
	})
}

// NewContainer takes ownership of sd. Releasing it drops the reference so
// the signed content is not reachable through the handle.
func NewContainer(sd *cms.SignedData) *Container {
	return Own(sd, nil)
}

// NewBuffer returns an empty owned buffer.
func NewBuffer() *Buffer {
	return Own(new(bytes.Buffer), func(b *bytes.Buffer) {
		clear(b.Bytes())
		b.Reset()
	})
}

// zeroKey overwrites the private components of the supported key types.
func zeroKey(key crypto.Signer) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		zeroInt(k.D)
		for _, p := range k.Primes {
			zeroInt(p)
		}
		zeroInt(k.Precomputed.Dp)
		zeroInt(k.Precomputed.Dq)
		zeroInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		zeroInt(k.D)
	case ed25519.PrivateKey:
		clear(k)
	case *ed25519.PrivateKey:
		clear(*k)
	}
}

func zeroInt(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}
