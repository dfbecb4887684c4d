package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReleaseHook runs exactly once when the last reference to a TensorStorage
// is dropped. It must not free memory inline: the expected implementation
// issues a release instruction through the execution core (see
// InstructionsBuilder.ReleaseTensor) so disposal is ordered after every
// in-flight access to the buffer.
type ReleaseHook func(*TensorStorage)

// TensorStorage owns the raw buffer backing a blob. Ownership is shared:
// every owner holds one reference, and the release hook fires on the drop of
// the last one.
//
// The buffer is only ever mutated through instructions issued against the
// owning blob, never by callers reaching into storage directly.
type TensorStorage struct {
	id uuid.UUID

	mu     sync.Mutex
	buffer []byte
	hook   ReleaseHook

	refs     atomic.Int64
	hookOnce sync.Once
}

// NewTensorStorage returns an unallocated storage with one reference held by
// the caller.
func NewTensorStorage() *TensorStorage {
	s := &TensorStorage{id: uuid.New()}
	s.refs.Store(1)
	return s
}

// String implements fmt.Stringer.
func (s *TensorStorage) String() string {
	return fmt.Sprintf("storage[%s]", s.id.String()[:8])
}

// SetReleaserHook installs the hook invoked once when the last reference
// drops. A hook installed after the last drop never fires.
func (s *TensorStorage) SetReleaserHook(hook ReleaseHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Ref adds one reference. The caller must pair it with Unref.
func (s *TensorStorage) Ref() {
	s.refs.Add(1)
}

// Unref drops one reference. On the last drop the release hook fires, at most
// once across all owners, on the calling goroutine; the hook itself is
// expected to only enqueue disposal, so Unref never blocks on device work.
func (s *TensorStorage) Unref() {
	if s.refs.Add(-1) > 0 {
		return
	}
	s.hookOnce.Do(func() {
		s.mu.Lock()
		hook := s.hook
		s.mu.Unlock()
		if hook != nil {
			hook(s)
		}
	})
}

// Refs returns the current reference count.
func (s *TensorStorage) Refs() int64 { return s.refs.Load() }

// allocate backs the storage with a fresh buffer of n bytes. It is called
// from an allocation instruction body on the stream goroutine.
func (s *TensorStorage) allocate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer != nil {
		return errors.Errorf("%s already allocated (%s)", s, humanize.Bytes(uint64(len(s.buffer))))
	}
	klog.V(2).Infof("vm: %s allocating %s", s, humanize.Bytes(uint64(n)))
	s.buffer = make([]byte, n)
	return nil
}

// free drops the buffer. It is called from a release instruction body, after
// every in-flight access to the buffer has completed.
func (s *TensorStorage) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer != nil {
		klog.V(2).Infof("vm: %s freeing %s", s, humanize.Bytes(uint64(len(s.buffer))))
	}
	s.buffer = nil
}

// Allocated reports whether the storage currently owns a buffer.
func (s *TensorStorage) Allocated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer != nil
}

// Bytes returns the underlying buffer. Instruction bodies use it; callers
// outside the execution core must not.
func (s *TensorStorage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}
