package milter

import (
	"bytes"
	"io"
	"strings"

	"github.com/shineum/smime-signer/internal/email"
)

// modifier is the subset of *milter.Modifier the host needs.
type modifier interface {
	AddHeader(name, value string) error
	ChangeHeader(index int, name, value string) error
	ReplaceBody(r io.Reader) error
}

// host applies session mutations as milter modification actions. It tracks
// the header as the MTA holds it so that removals address the right
// occurrence indices.
//
// Actions reach the MTA as they are issued and cannot be withdrawn, so host
// does not implement session.Stager.
type host struct {
	m      modifier
	header email.Header
}

func newHost(m modifier, header email.Header) *host {
	return &host{m: m, header: header.Clone()}
}

func (h *host) AddHeader(name, value string) error {
	if err := h.m.AddHeader(name, value); err != nil {
		return err
	}
	h.header = append(h.header, email.Field{Name: name, Value: value})
	return nil
}

// RemoveHeader deletes every occurrence of name. Milter header indices are
// 1-based per field name, so occurrences are removed from the last one
// backwards to keep the remaining indices stable.
func (h *host) RemoveHeader(name string) error {
	for i := h.header.Count(name); i >= 1; i-- {
		if err := h.m.ChangeHeader(i, name, ""); err != nil {
			return err
		}
	}

	kept := h.header[:0:0]
	for _, f := range h.header {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.header = kept
	return nil
}

func (h *host) ReplaceBody(body []byte) error {
	return h.m.ReplaceBody(bytes.NewReader(body))
}
