package vm

import "sync"

// ForeignLockHelper scopes the release of an externally-held serialization
// lock (e.g. the lock a single-threaded host language holds while calling
// into the runtime). The shape-materialization rendezvous must not wait on
// the execution core while holding such a lock: the core may need it to make
// progress, and the wait would deadlock.
type ForeignLockHelper struct {
	mu *sync.Mutex
}

// NewForeignLockHelper wraps the given lock. A nil lock yields a helper
// whose WithScopedRelease just runs fn, for callers without a foreign lock.
func NewForeignLockHelper(mu *sync.Mutex) *ForeignLockHelper {
	return &ForeignLockHelper{mu: mu}
}

// WithScopedRelease releases the foreign lock, runs fn, and reacquires the
// lock before returning. The caller must actually hold the lock.
func (h *ForeignLockHelper) WithScopedRelease(fn func()) {
	if h == nil || h.mu == nil {
		fn()
		return
	}
	h.mu.Unlock()
	defer h.mu.Lock()
	fn()
}
