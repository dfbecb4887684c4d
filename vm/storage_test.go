package vm

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestReleaseHookFiresAtMostOnce(t *testing.T) {
	storage := NewTensorStorage()
	var calls atomic.Int32
	storage.SetReleaserHook(func(s *TensorStorage) {
		require.Same(t, storage, s)
		calls.Add(1)
	})

	// Several owners briefly share the storage, then all drop it,
	// concurrently.
	const owners = 8
	for range owners {
		storage.Ref()
	}
	var wg sync.WaitGroup
	for range owners + 1 { // +1 for the constructor's reference.
		wg.Add(1)
		go func() {
			defer wg.Done()
			storage.Unref()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int64(0), storage.Refs())
}

func TestReleaseHookRoutesThroughVM(t *testing.T) {
	machine := New()
	defer machine.Finalize()
	device, err := devices.GetOrNew(devices.CPU, 0)
	require.NoError(t, err)
	pd, err := placement.Range1D(devices.CPU, 1)
	require.NoError(t, err)

	storage := NewTensorStorage()
	blob, err := NewEagerBlobObject(device, shapes.Make(dtypes.Float32, 8), dtypes.Float32, storage)
	require.NoError(t, err)
	require.NoError(t, PhysicalRun(machine, func(builder *InstructionsBuilder) error {
		_, err := builder.AllocateBlob(blob)
		return err
	}))
	machine.Sync()
	require.True(t, storage.Allocated())

	// The hook enqueues a release instruction instead of freeing inline:
	// disposal stays ordered behind in-flight accesses.
	storage.SetReleaserHook(func(*TensorStorage) {
		require.NoError(t, PhysicalRun(machine, func(builder *InstructionsBuilder) error {
			_, err := builder.ReleaseTensor(blob, pd)
			return err
		}))
	})
	storage.Unref()
	machine.Sync()
	require.True(t, blob.Released())
	require.False(t, storage.Allocated())
}

func TestStorageAllocatePreconditions(t *testing.T) {
	storage := NewTensorStorage()
	require.NoError(t, storage.allocate(16))
	require.Error(t, storage.allocate(16)) // Double allocation.
	storage.free()
	require.False(t, storage.Allocated())
}

func TestEagerBlobObjectPreconditions(t *testing.T) {
	device, err := devices.GetOrNew(devices.CPU, 0)
	require.NoError(t, err)
	shape := shapes.Make(dtypes.Float32, 2, 2)

	_, err = NewEagerBlobObject(nil, shape, dtypes.Float32, NewTensorStorage())
	require.Error(t, err)
	_, err = NewEagerBlobObject(device, shapes.Invalid(), dtypes.Float32, NewTensorStorage())
	require.Error(t, err)
	_, err = NewEagerBlobObject(device, shape, dtypes.Float64, NewTensorStorage())
	require.Error(t, err)
	_, err = NewEagerBlobObject(device, shape, dtypes.Float32, nil)
	require.Error(t, err)

	blob, err := NewEagerBlobObject(device, shape, dtypes.Float32, NewTensorStorage())
	require.NoError(t, err)
	require.Equal(t, uintptr(16), blob.ByteSize())
	require.True(t, blob.MemCase().Host)

	// The blob-side shape may change until it is synced.
	require.NoError(t, blob.SetShape(shapes.Make(dtypes.Float32, 4)))
	require.Error(t, blob.SetShape(shapes.Make(dtypes.Float64, 4))) // DType fixed.
	blob.SetShapeSynced()
	require.True(t, blob.IsShapeSynced())
	require.Error(t, blob.SetShape(shapes.Make(dtypes.Float32, 8))) // Synced shape is final.
}
