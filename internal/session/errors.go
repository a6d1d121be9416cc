package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/smime-signer/internal/certstore"
	"github.com/shineum/smime-signer/internal/smime"
)

// ErrSession is returned when the host rejects a header or body mutation.
var ErrSession = errors.New("session: host rejected mutation")

// Kind classifies why a message could not be signed.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindParse
	KindCrypto
	KindEncoding
	KindSession
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse_error"
	case KindCrypto:
		return "crypto_failure"
	case KindEncoding:
		return "encoding_failure"
	case KindSession:
		return "session_error"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// classify maps an error from the signing path to a Kind.
func classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, certstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, certstore.ErrParse):
		return KindParse
	case errors.Is(err, certstore.ErrKeyMaterial), errors.Is(err, smime.ErrCrypto):
		return KindCrypto
	case errors.Is(err, smime.ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrSession):
		return KindSession
	default:
		return KindCrypto
	}
}

// Error is the generic failure reported to callers. It carries the kind
// only, never the underlying library error.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return "smime signing failed: " + strings.ReplaceAll(e.Kind.String(), "_", " ")
}

// FailurePolicy decides what happens to a message that could not be signed.
type FailurePolicy int

const (
	// PolicyAccept delivers the message unsigned.
	PolicyAccept FailurePolicy = iota
	// PolicyTempFail asks the client to retry later.
	PolicyTempFail
	// PolicyReject refuses the message permanently.
	PolicyReject
)

// ParseFailurePolicy converts a configuration value into a FailurePolicy.
// The empty string selects PolicyAccept.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return PolicyAccept, nil
	case "tempfail":
		return PolicyTempFail, nil
	case "reject":
		return PolicyReject, nil
	default:
		return 0, fmt.Errorf("unknown failure policy %q", s)
	}
}

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case PolicyAccept:
		return "accept"
	case PolicyTempFail:
		return "tempfail"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}
