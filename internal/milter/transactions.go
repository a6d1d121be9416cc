package milter

import (
	"sync"
	"time"
)

// transactions counts mail transactions between MAIL FROM and their end.
// Once draining starts no new transaction is admitted. A nil *transactions
// counts nothing.
type transactions struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	draining bool
}

// begin admits a transaction. It returns false once draining started.
func (t *transactions) begin() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	return true
}

// end releases a transaction admitted by begin.
func (t *transactions) end() {
	if t == nil {
		return
	}
	t.wg.Done()
}

// drain refuses new transactions and waits up to timeout for the open ones
// to end. It reports whether all of them did.
func (t *transactions) drain(timeout time.Duration) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
