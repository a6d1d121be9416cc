// Package smime produces S/MIME signed messages. It builds a CMS signed-data
// structure over the MIME entity of a message, serializes it either as a
// multipart/signed body with a detached signature or as an opaque
// application/pkcs7-mime body, and computes the header changes that announce
// the new structure.
package smime

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrCrypto is returned when the signing primitive rejects its inputs,
	// for example a private key that does not match the certificate.
	ErrCrypto = errors.New("smime: signing failed")

	// ErrEncoding is returned when the signature cannot be serialized into
	// MIME form.
	ErrEncoding = errors.New("smime: encoding failed")

	// ErrShutdown is returned by Init after Shutdown has been called.
	ErrShutdown = errors.New("smime: library shut down")
)

// Mode selects how the signature is attached to the message.
type Mode int

const (
	// ModeDetached produces multipart/signed with the original entity left
	// readable by clients without S/MIME support.
	ModeDetached Mode = iota

	// ModeEnveloping produces application/pkcs7-mime with the entity
	// encapsulated in the signed-data structure.
	ModeEnveloping
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDetached:
		return "detached"
	case ModeEnveloping:
		return "enveloping"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration value into a Mode. The empty string
// selects ModeDetached.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detached":
		return ModeDetached, nil
	case "enveloping", "opaque":
		return ModeEnveloping, nil
	default:
		return 0, fmt.Errorf("unknown signing mode %q", s)
	}
}

// Options control signing.
type Options struct {
	Mode Mode
}

const (
	libUninitialized = iota
	libReady
	libShutdown
)

// Library tracks the process-wide lifecycle of the signing backend. It is
// initialized once before the first signature and shut down once after the
// last.
type Library struct {
	mu    sync.Mutex
	state int
	rand  io.Reader
}

var std Library

// Init prepares the library. Calling Init again while ready is a no-op.
func (l *Library) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case libReady:
		return nil
	case libShutdown:
		return ErrShutdown
	}

	r := l.rand
	if r == nil {
		r = rand.Reader
	}
	sample := make([]byte, 32)
	if _, err := io.ReadFull(r, sample); err != nil {
		return fmt.Errorf("smime: entropy source unavailable: %w", err)
	}

	l.state = libReady
	return nil
}

// Shutdown marks the library unusable. Signing fails afterwards.
func (l *Library) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = libShutdown
}

// Ready reports whether signing is possible.
func (l *Library) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == libReady
}

// Init initializes the process-wide library. Call it once at startup.
func Init() error {
	return std.Init()
}

// Shutdown tears down the process-wide library. Call it once at exit, after
// every session has finished.
func Shutdown() {
	std.Shutdown()
}

// Ready reports whether the process-wide library is initialized.
func Ready() bool {
	return std.Ready()
}
