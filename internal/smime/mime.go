package smime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/smime-signer/internal/email"
)

const (
	// micalg names the digest used by the CMS signer (SHA-256).
	micalg = "sha-256"

	signatureType = "application/pkcs7-signature"
	envelopeType  = "application/pkcs7-mime"

	preamble = "This is a cryptographically signed message in MIME format.\r\n"

	// boundaryAttempts bounds the search for a boundary absent from the
	// entity.
	boundaryAttempts = 3
)

// isContentField reports whether a header field describes the body and so
// belongs to the signed entity.
func isContentField(name string) bool {
	return len(name) >= len("content-") && strings.EqualFold(name[:len("content-")], "content-")
}

// contentFields returns the content-describing fields of h in order.
func contentFields(h email.Header) email.Header {
	var out email.Header
	for _, f := range h {
		if isContentField(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// writeEntity writes the MIME entity that is signed: the content fields,
// an empty line and the body, with every line ending converted to CRLF.
func writeEntity(b *bytes.Buffer, fields email.Header, body []byte) {
	var raw bytes.Buffer
	fields.Encode(&raw)
	raw.WriteString("\r\n")
	raw.Write(body)

	canonicalize(b, raw.Bytes())
	clear(raw.Bytes())
}

// canonicalize copies src to dst replacing bare LF and bare CR with CRLF.
func canonicalize(dst *bytes.Buffer, src []byte) {
	dst.Grow(len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '\r':
			dst.WriteString("\r\n")
			if i+1 < len(src) && src[i+1] == '\n' {
				i++
			}
		case '\n':
			dst.WriteString("\r\n")
		default:
			dst.WriteByte(c)
		}
	}
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line
// breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

// formatMediaType wraps mime.FormatMediaType, which signals failure with an
// empty result.
func formatMediaType(t string, params map[string]string) (string, error) {
	v := mime.FormatMediaType(t, params)
	if v == "" {
		return "", fmt.Errorf("%w: invalid media type %q", ErrEncoding, t)
	}
	return v, nil
}

// newBoundary returns a multipart boundary that does not occur in entity.
func newBoundary(entity []byte) (string, error) {
	for i := 0; i < boundaryAttempts; i++ {
		b := "smime-" + uuid.NewString()
		if !bytes.Contains(entity, []byte("--"+b)) {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: no usable multipart boundary", ErrEncoding)
}

// multipartSigned builds a multipart/signed body holding entity and the
// detached signature. It returns the body and the outer Content-Type.
func multipartSigned(entity, signature []byte) ([]byte, string, error) {
	boundary, err := newBoundary(entity)
	if err != nil {
		return nil, "", err
	}

	contentType, err := formatMediaType("multipart/signed", map[string]string{
		"protocol": signatureType,
		"micalg":   micalg,
		"boundary": boundary,
	})
	if err != nil {
		return nil, "", err
	}
	sigType, err := formatMediaType(signatureType, map[string]string{"name": "smime.p7s"})
	if err != nil {
		return nil, "", err
	}
	sigDisposition, err := formatMediaType("attachment", map[string]string{"filename": "smime.p7s"})
	if err != nil {
		return nil, "", err
	}

	var b bytes.Buffer
	b.WriteString(preamble)
	b.WriteString("\r\n--" + boundary + "\r\n")
	b.Write(entity)
	b.WriteString("\r\n--" + boundary + "\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", sigType)
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&b, "Content-Disposition: %s\r\n", sigDisposition)
	b.WriteString("Content-Description: S/MIME Cryptographic Signature\r\n")
	b.WriteString("\r\n")
	b.WriteString(encodeBase64WithLineBreaks(signature))
	b.WriteString("\r\n\r\n--" + boundary + "--\r\n")

	return b.Bytes(), contentType, nil
}

// envelopeHeader returns the content fields announcing an
// application/pkcs7-mime signed-data body.
func envelopeHeader() (email.Header, error) {
	contentType, err := formatMediaType(envelopeType, map[string]string{
		"smime-type": "signed-data",
		"name":       "smime.p7m",
	})
	if err != nil {
		return nil, err
	}
	disposition, err := formatMediaType("attachment", map[string]string{"filename": "smime.p7m"})
	if err != nil {
		return nil, err
	}

	return email.Header{
		{Name: "Content-Type", Value: contentType},
		{Name: "Content-Transfer-Encoding", Value: "base64"},
		{Name: "Content-Disposition", Value: disposition},
	}, nil
}
