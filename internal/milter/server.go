// Package milter exposes the signer to an MTA over the milter protocol.
package milter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/d--j/go-milter"

	"github.com/shineum/smime-signer/internal/session"
	"github.com/shineum/smime-signer/internal/smime"
)

// drainTimeout bounds how long shutdown waits for open transactions.
const drainTimeout = 30 * time.Second

// ServerConfig holds the configuration for the milter server.
type ServerConfig struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is host:port for tcp or a socket path for unix.
	Address string

	Resolver  session.Resolver
	Mode      smime.Mode
	OnFailure session.FailurePolicy
}

// Server accepts milter connections from the MTA.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *milter.Server
	txns   *transactions
}

// NewServer creates a new milter server with the given configuration.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger, txns: &transactions{}}
	s.server = milter.NewServer(
		milter.WithMilter(func() milter.Milter {
			return s.newBackend()
		}),
		milter.WithAction(milter.OptAddHeader|milter.OptChangeHeader|milter.OptChangeBody),
	)
	return s
}

func (s *Server) newBackend() *backend {
	return &backend{
		resolver:  s.cfg.Resolver,
		mode:      s.cfg.Mode,
		onFailure: s.cfg.OnFailure,
		logger:    s.logger,
		txns:      s.txns,
	}
}

// ListenAndServe listens on the configured address and serves milter
// connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Network == "unix" {
		// A stale socket from an earlier run would make Listen fail.
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.cfg.Address, err)
		}
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves milter connections on ln until ctx is cancelled. Closing the
// server stops new connections only, so Serve then waits for the open
// transactions to finish before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("milter server listening",
		"network", ln.Addr().Network(),
		"addr", ln.Addr().String(),
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down milter server")
		if err := s.server.Close(); err != nil {
			s.logger.Warn("milter server close", "error", err)
		}
	}()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, milter.ErrServerClosed) {
		return fmt.Errorf("milter server: %w", err)
	}
	s.waitForTransactions(drainTimeout)
	return nil
}

// waitForTransactions refuses new transactions and waits for the open ones.
func (s *Server) waitForTransactions(timeout time.Duration) {
	if s.txns.drain(timeout) {
		s.logger.Info("all milter transactions completed")
		return
	}
	s.logger.Warn("shutdown timeout reached with milter transactions open")
}
