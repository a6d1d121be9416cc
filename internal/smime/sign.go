package smime

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"strings"

	cms "github.com/github/smimesign/ietf-cms"

	"github.com/shineum/smime-signer/internal/email"
	"github.com/shineum/smime-signer/internal/keymat"
)

// HeaderDelta lists the header changes that accompany a signed body.
// Removals apply before additions.
type HeaderDelta struct {
	Remove []string
	Add    email.Header
}

// Artifact is a signed message body together with its header changes.
type Artifact struct {
	Mode  Mode
	Delta HeaderDelta
	Body  []byte
}

// SignMessageBody signs the MIME entity formed by the content fields of
// header and body. The certificate list embedded in the signature is the
// leaf followed by chain, nearest the signer first.
//
// The returned artifact is complete; on error nothing is returned.
func SignMessageBody(header email.Header, body []byte, cert *keymat.Certificate, key *keymat.PrivateKey, chain *keymat.Chain, opts Options) (*Artifact, error) {
	if !Ready() {
		return nil, fmt.Errorf("%w: library not initialized", ErrCrypto)
	}

	leaf, err := cert.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", ErrCrypto, err)
	}
	signer, err := key.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCrypto, err)
	}
	var intermediates []*x509.Certificate
	if chain != nil {
		if intermediates, err = chain.Get(); err != nil {
			return nil, fmt.Errorf("%w: chain: %v", ErrCrypto, err)
		}
	}

	entityBuf := keymat.NewBuffer()
	defer entityBuf.Release()
	entity, err := entityBuf.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: entity buffer: %v", ErrEncoding, err)
	}
	writeEntity(entity, contentFields(header), body)

	der, err := sign(entity.Bytes(), certificateList(leaf, intermediates), signer, opts.Mode == ModeDetached)
	if err != nil {
		return nil, err
	}

	var (
		out    []byte
		fields email.Header
	)
	switch opts.Mode {
	case ModeDetached:
		var contentType string
		out, contentType, err = multipartSigned(entity.Bytes(), der)
		if err != nil {
			return nil, err
		}
		fields = email.Header{{Name: "Content-Type", Value: contentType}}
	case ModeEnveloping:
		fields, err = envelopeHeader()
		if err != nil {
			return nil, err
		}
		out = []byte(encodeBase64WithLineBreaks(der) + "\r\n")
	default:
		return nil, fmt.Errorf("%w: unsupported mode %v", ErrEncoding, opts.Mode)
	}

	return &Artifact{
		Mode:  opts.Mode,
		Delta: newDelta(header, fields),
		Body:  out,
	}, nil
}

// sign returns the DER encoded CMS signed-data over content.
func sign(content []byte, certs []*x509.Certificate, signer crypto.Signer, detached bool) ([]byte, error) {
	sd, err := cms.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	container := keymat.NewContainer(sd)
	defer container.Release()

	if err := sd.Sign(certs, signer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if detached {
		sd.Detached()
	}

	der, err := sd.ToDER()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return der, nil
}

// certificateList returns leaf followed by the intermediates, skipping
// copies of the leaf found in the bundle.
func certificateList(leaf *x509.Certificate, intermediates []*x509.Certificate) []*x509.Certificate {
	certs := make([]*x509.Certificate, 0, len(intermediates)+1)
	certs = append(certs, leaf)
	for _, c := range intermediates {
		if bytes.Equal(c.Raw, leaf.Raw) {
			continue
		}
		certs = append(certs, c)
	}
	return certs
}

// newDelta removes every content field of the original header and adds the
// fields describing the signed body. MIME-Version is added when missing.
func newDelta(original email.Header, fields email.Header) HeaderDelta {
	var d HeaderDelta
	seen := make(map[string]bool)
	for _, f := range original {
		if !isContentField(f.Name) {
			continue
		}
		k := strings.ToLower(f.Name)
		if seen[k] {
			continue
		}
		seen[k] = true
		d.Remove = append(d.Remove, f.Name)
	}

	if !original.Has("MIME-Version") {
		d.Add = append(d.Add, email.Field{Name: "MIME-Version", Value: "1.0"})
	}
	d.Add = append(d.Add, fields...)
	return d
}
