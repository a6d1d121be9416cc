// Package provider defines the interface for delivery backends used by the
// signing relay.
package provider

import (
	"context"

	"github.com/shineum/smime-signer/internal/email"
)

// Provider is the interface that delivery backends must implement.
// A provider receives the message in final wire form, after signing, and
// must not alter it: any change to a signed entity breaks the signature.
type Provider interface {
	// Send delivers msg to the envelope recipients in msg.To.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
