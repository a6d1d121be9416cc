package milter

import (
	"bytes"
	"log/slog"

	"github.com/d--j/go-milter"

	"github.com/shineum/smime-signer/internal/email"
	"github.com/shineum/smime-signer/internal/session"
	"github.com/shineum/smime-signer/internal/smime"
)

// backend handles the milter events of one MTA connection. A connection may
// carry several transactions; state is reset at MAIL FROM and on abort.
type backend struct {
	milter.NoOpMilter

	resolver  session.Resolver
	mode      smime.Mode
	onFailure session.FailurePolicy
	logger    *slog.Logger
	txns      *transactions

	open   bool
	from   string
	header email.Header
	body   bytes.Buffer
}

func (b *backend) reset() {
	if b.open {
		b.txns.end()
		b.open = false
	}
	b.from = ""
	b.header = nil
	b.body.Reset()
}

func (b *backend) MailFrom(from string, _ string, _ *milter.Modifier) (*milter.Response, error) {
	b.reset()
	if !b.txns.begin() {
		// Draining for shutdown.
		return milter.RespTempFail, nil
	}
	b.open = true
	b.from = from
	return milter.RespContinue, nil
}

func (b *backend) Header(name string, value string, _ *milter.Modifier) (*milter.Response, error) {
	b.header = append(b.header, email.Field{Name: name, Value: value})
	return milter.RespContinue, nil
}

func (b *backend) BodyChunk(chunk []byte, _ *milter.Modifier) (*milter.Response, error) {
	b.body.Write(chunk)
	return milter.RespContinue, nil
}

func (b *backend) EndOfMessage(m *milter.Modifier) (*milter.Response, error) {
	switch b.endOfMessage(m) {
	case session.PolicyTempFail:
		return milter.RespTempFail, nil
	case session.PolicyReject:
		return milter.RespReject, nil
	default:
		return milter.RespAccept, nil
	}
}

func (b *backend) Abort(_ *milter.Modifier) error {
	b.reset()
	return nil
}

// Cleanup ends a transaction left open by a dropped connection.
func (b *backend) Cleanup() {
	b.reset()
}

// endOfMessage signs the collected transaction through m and returns the
// disposition of the message.
func (b *backend) endOfMessage(m modifier) session.FailurePolicy {
	defer b.reset()

	s := session.New(newHost(m, b.header), b.from, b.resolver,
		session.WithMode(b.mode),
		session.WithLogger(b.logger),
	)
	s.Sign(b.header, b.body.Bytes())

	decision := s.Decide(b.onFailure)
	if decision != session.PolicyAccept {
		b.logger.Warn("refusing unsigned message",
			"session", s.ID(),
			"sender", s.MailFrom(),
			"reason", s.Failure().String(),
			"policy", decision.String(),
		)
	}
	return decision
}
