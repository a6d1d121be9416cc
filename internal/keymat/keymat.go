// Package keymat provides single-owner handles for the cryptographic objects
// used while signing a message: certificates, private keys, certificate
// chains, signature containers and scratch buffers.
//
// Every handle is released exactly once, with a release function specific to
// the wrapped type. Callers pair each acquisition with a deferred Release so
// that key material and message plaintext are cleared on every exit path.
package keymat

import (
	"errors"
	"sync"
)

// ErrReleased is returned when a handle is used after it has been released.
var ErrReleased = errors.New("keymat: handle already released")

// Handle is an exclusive owner of a value of type T.
type Handle[T any] struct {
	mu       sync.Mutex
	value    T
	release  func(T)
	released bool
}

// Own wraps v in a handle. release is invoked once, on the first call to
// Release. A nil release function is allowed.
func Own[T any](v T, release func(T)) *Handle[T] {
	return &Handle[T]{value: v, release: release}
}

// Get returns the wrapped value, or ErrReleased once the handle is released.
func (h *Handle[T]) Get() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		var zero T
		return zero, ErrReleased
	}
	return h.value, nil
}

// Released reports whether Release has been called.
func (h *Handle[T]) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release runs the release function and drops the reference to the value.
// Subsequent calls are no-ops. Release is safe on a nil handle.
func (h *Handle[T]) Release() {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	if h.release != nil {
		h.release(h.value)
	}
	var zero T
	h.value = zero
}
