// Package session drives one S/MIME signing attempt for one mail transaction
// and rewrites the message through the host that carries it.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smime-signer/internal/certstore"
	"github.com/shineum/smime-signer/internal/email"
	"github.com/shineum/smime-signer/internal/keymat"
	"github.com/shineum/smime-signer/internal/metrics"
	"github.com/shineum/smime-signer/internal/smime"
)

// Host is the mail transaction being signed. It is borrowed by the session,
// never owned.
type Host interface {
	AddHeader(name, value string) error
	// RemoveHeader deletes every occurrence of the named field.
	RemoveHeader(name string) error
	ReplaceBody(body []byte) error
}

// Stager is a Host that can apply a group of mutations atomically.
type Stager interface {
	Host
	Begin()
	Commit() error
	Rollback()
}

// Resolver locates the key material for a sender.
type Resolver interface {
	LocateSigner(sender string) (*keymat.Certificate, *keymat.PrivateKey, error)
	ResolveChain(sender string) (*keymat.Chain, error)
}

// Option configures a Session.
type Option func(*Session)

// WithMode selects the signature serialization.
func WithMode(mode smime.Mode) Option {
	return func(s *Session) {
		s.opts.Mode = mode
	}
}

// WithLogger sets the logger used for failure reports.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session is one signing attempt. It is not safe for concurrent use.
type Session struct {
	id       string
	host     Host
	resolver Resolver
	mailFrom string
	opts     smime.Options
	logger   *slog.Logger

	signed bool
	kind   Kind
	err    error
}

// New creates a session for the message carried by host, sent by mailFrom.
// The sender is stripped of surrounding whitespace and angle brackets; its
// case is kept.
func New(host Host, mailFrom string, resolver Resolver, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		host:     host,
		resolver: resolver,
		mailFrom: NormalizeSender(mailFrom),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// NormalizeSender strips whitespace and one pair of angle brackets.
func NormalizeSender(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.TrimSpace(addr)
}

// ID returns the identifier used in log records.
func (s *Session) ID() string { return s.id }

// MailFrom returns the normalized sender.
func (s *Session) MailFrom() string { return s.mailFrom }

// Signed reports whether the message was signed and fully rewritten.
func (s *Session) Signed() bool { return s.signed }

// Failure returns the classification of the last failure, or KindNone.
func (s *Session) Failure() Kind { return s.kind }

// Err returns the generic failure reported to callers, or nil.
func (s *Session) Err() error { return s.err }

// Sign signs the message whose current header and body are given and
// applies the result to the host. Every failure leaves Signed false; the
// reason is available from Failure and Err.
func (s *Session) Sign(header email.Header, body []byte) {
	start := time.Now()
	defer func() {
		result := "signed"
		if !s.signed {
			result = s.kind.String()
		}
		metrics.SignObserve(s.opts.Mode.String(), result, start)
	}()

	s.signed = false
	s.kind = KindNone
	s.err = nil

	if s.mailFrom == "" {
		s.handleError(fmt.Errorf("null reverse-path: %w", certstore.ErrNotFound))
		return
	}

	artifact, err := s.build(header, body)
	if err != nil {
		s.handleError(err)
		return
	}

	if err := s.apply(artifact); err != nil {
		s.handleError(err)
		return
	}

	s.signed = true
	s.logger.Info("message signed",
		"sender", s.mailFrom,
		"mode", artifact.Mode.String(),
	)
}

// Decide returns what the host should do with the message: PolicyAccept
// when it was signed or no signer is registered for the sender, otherwise
// onFailure.
func (s *Session) Decide(onFailure FailurePolicy) FailurePolicy {
	if s.signed || s.kind == KindNotFound || s.kind == KindNone {
		return PolicyAccept
	}
	return onFailure
}

// build resolves key material and produces the artifact. Nothing is written
// to the host here.
func (s *Session) build(header email.Header, body []byte) (*smime.Artifact, error) {
	cert, key, err := s.resolver.LocateSigner(s.mailFrom)
	if err != nil {
		return nil, err
	}
	defer cert.Release()
	defer key.Release()

	chain, err := s.resolver.ResolveChain(s.mailFrom)
	if err != nil {
		return nil, err
	}
	defer chain.Release()

	return smime.SignMessageBody(header, body, cert, key, chain, s.opts)
}

// apply writes the artifact to the host: removals, then additions, then the
// body. A Stager host is rolled back on failure.
func (s *Session) apply(a *smime.Artifact) error {
	stager, staged := s.host.(Stager)
	if staged {
		stager.Begin()
	}

	if err := s.mutate(a); err != nil {
		if staged {
			stager.Rollback()
		}
		return err
	}

	if staged {
		if err := stager.Commit(); err != nil {
			stager.Rollback()
			return fmt.Errorf("%w: commit: %v", ErrSession, err)
		}
	}
	return nil
}

func (s *Session) mutate(a *smime.Artifact) error {
	for _, name := range a.Delta.Remove {
		if err := s.host.RemoveHeader(name); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrSession, name, err)
		}
	}
	for _, f := range a.Delta.Add {
		if err := s.host.AddHeader(f.Name, f.Value); err != nil {
			return fmt.Errorf("%w: add %s: %v", ErrSession, f.Name, err)
		}
	}
	if err := s.host.ReplaceBody(a.Body); err != nil {
		return fmt.Errorf("%w: replace body: %v", ErrSession, err)
	}
	return nil
}

// handleError is the single failure path of a session.
func (s *Session) handleError(err error) {
	s.signed = false
	s.kind = classify(err)
	s.err = &Error{Kind: s.kind}

	if s.kind == KindNotFound {
		s.logger.Info("no signer registered for sender", "sender", s.mailFrom)
	} else {
		s.logger.Warn("message not signed", "sender", s.mailFrom, "reason", s.kind.String())
	}
	s.logger.Debug("signing failure cause", "error", err)
}
