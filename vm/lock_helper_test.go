package vm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithScopedReleaseWithoutLock(t *testing.T) {
	ran := false
	var helper *ForeignLockHelper
	helper.WithScopedRelease(func() { ran = true })
	require.True(t, ran)

	ran = false
	NewForeignLockHelper(nil).WithScopedRelease(func() { ran = true })
	require.True(t, ran)
}

func TestWithScopedReleaseReleasesAndReacquires(t *testing.T) {
	var mu sync.Mutex
	helper := NewForeignLockHelper(&mu)

	mu.Lock()
	ran := false
	helper.WithScopedRelease(func() {
		ran = true
		// The lock is free for the duration of fn.
		require.True(t, mu.TryLock())
		mu.Unlock()
	})
	require.True(t, ran)
	// And held again once fn returned.
	require.False(t, mu.TryLock())
	mu.Unlock()
}
