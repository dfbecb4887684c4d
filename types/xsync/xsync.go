// Package xsync implements some extra synchronization tools used by the
// instruction execution core.
package xsync

import (
	"sync"
	"sync/atomic"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel one can use on a `select` to check when the
// latch triggers. The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// BlockingCounter counts outstanding work items and lets a caller block until
// the count drains to zero.
//
// Increase before handing out a work item, Decrease when it completes.
// WaitUntilZero observes the moment the counter reaches zero; a counter that
// is already zero returns immediately.
type BlockingCounter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewBlockingCounter returns a counter starting at the given count.
func NewBlockingCounter(count int64) *BlockingCounter {
	c := &BlockingCounter{count: count}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Increase adds delta (which must be >= 0) to the counter.
func (c *BlockingCounter) Increase(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += delta
}

// Decrease subtracts one from the counter, waking waiters when it hits zero.
func (c *BlockingCounter) Decrease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count--
	if c.count <= 0 {
		c.cond.Broadcast()
	}
}

// Count returns the current count.
func (c *BlockingCounter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitUntilZero blocks until the counter reaches zero.
func (c *BlockingCounter) WaitUntilZero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.count > 0 {
		c.cond.Wait()
	}
}

// Flag is a boolean that can be flipped once, from any goroutine, and
// cheaply polled from another. The zero value is unset.
type Flag struct {
	v atomic.Bool
}

// Set flips the flag to true.
func (f *Flag) Set() { f.v.Store(true) }

// Test reports whether the flag has been set.
func (f *Flag) Test() bool { return f.v.Load() }

// SyncMap is a trivial wrapper to sync.Map that casts the key and value
// types accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once
// it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// Delete deletes the value for a key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
