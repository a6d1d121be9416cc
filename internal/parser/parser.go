// Package parser provides RFC 5322 message parsing that keeps the header
// fields in their original order and the body byte for byte.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/shineum/smime-signer/internal/email"
)

// Parse parses a raw RFC 5322 message into an email.Message. Values are
// unfolded for lookups while every field keeps its received bytes, so an
// untouched message serializes back to raw exactly. The body is kept
// unmodified. The envelope is left empty for the caller to fill.
func Parse(raw []byte) (*email.Message, error) {
	headerEnd, bodyStart := splitHeader(raw)

	header, err := parseHeader(raw[:headerEnd])
	if err != nil {
		return nil, err
	}

	if ct := header.Get("Content-Type"); ct != "" {
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			// The entity is signed as is; a broken Content-Type survives
			// inside the signature.
			slog.Warn("failed to parse content type",
				"content_type", ct,
				"error", err,
			)
		}
	}

	return &email.Message{
		Header: header,
		Body:   bytes.Clone(raw[bodyStart:]),
	}, nil
}

// splitHeader returns the end of the header block and the start of the
// body. The empty separator line lies between the two. Without a separator
// the whole message is header.
func splitHeader(raw []byte) (headerEnd, bodyStart int) {
	for i := 0; i < len(raw); {
		next := len(raw)
		if j := bytes.IndexByte(raw[i:], '\n'); j >= 0 {
			next = i + j + 1
		}
		if line := raw[i:next]; string(line) == "\r\n" || string(line) == "\n" {
			return i, next
		}
		i = next
	}
	return len(raw), len(raw)
}

// parseHeader parses a header block without its terminating empty line.
func parseHeader(block []byte) (email.Header, error) {
	raws := rawFields(block)

	input := make([]byte, 0, len(block)+4)
	input = append(input, block...)
	if len(block) > 0 && block[len(block)-1] != '\n' {
		input = append(input, "\r\n"...)
	}
	input = append(input, "\r\n"...)

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}

	var header email.Header
	fields := h.Fields()
	for fields.Next() {
		header = append(header, email.Field{Name: fields.Key(), Value: fields.Value()})
	}

	// Received bytes are only attached when every field is accounted for.
	if len(raws) != len(header) {
		return header, nil
	}
	for i, raw := range raws {
		if n := bytes.IndexByte(raw, ':'); n > 0 {
			// Keep the field name as the client wrote it.
			header[i].Name = string(bytes.TrimRight(raw[:n], " \t"))
		}
		header[i].Raw = raw
	}
	return header, nil
}

// rawFields splits a header block into fields, each with its continuation
// lines and line ending. A last field without a line ending gets CRLF.
func rawFields(block []byte) [][]byte {
	var out [][]byte
	for i := 0; i < len(block); {
		next := len(block)
		if j := bytes.IndexByte(block[i:], '\n'); j >= 0 {
			next = i + j + 1
		}
		line := block[i:next]
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] = append(out[len(out)-1], line...)
		} else {
			out = append(out, bytes.Clone(line))
		}
		i = next
	}
	if n := len(out); n > 0 && !bytes.HasSuffix(out[n-1], []byte("\n")) {
		out[n-1] = append(out[n-1], "\r\n"...)
	}
	return out
}

// Recipients returns the addresses named in the To, Cc and Bcc fields.
func Recipients(h email.Header) []string {
	var out []string
	for _, name := range []string{"To", "Cc", "Bcc"} {
		for _, f := range h {
			if strings.EqualFold(f.Name, name) {
				out = append(out, parseAddressList(f.Value)...)
			}
		}
	}
	return out
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
