package tensor

import (
	"testing"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func testDevice(t *testing.T, kind devices.Kind, index int) *devices.Device {
	t.Helper()
	device, err := devices.GetOrNew(kind, index)
	require.NoError(t, err)
	return device
}

func testParallelDesc(t *testing.T, parallelNum int) *placement.ParallelDesc {
	t.Helper()
	pd, err := placement.Range1D(devices.CPU, parallelNum)
	require.NoError(t, err)
	return pd
}

func testDistribution(t *testing.T, entries ...placement.Sbp) placement.Distribution {
	t.Helper()
	dist, err := placement.NewDistribution(entries...)
	require.NoError(t, err)
	return dist
}

func TestMirroredMetaEqualityIgnoresDynamic(t *testing.T) {
	device := testDevice(t, devices.CPU, 0)
	shape := shapes.Make(dtypes.Float32, 8, 4)

	a, err := NewMirroredTensorMeta(shape, device)
	require.NoError(t, err)
	b, err := NewMirroredTensorMeta(shape.Clone(), device)
	require.NoError(t, err)
	dynamic := b.WithDynamic(true)

	require.True(t, a.Equal(b))
	require.True(t, a.Equal(dynamic))
	require.True(t, dynamic.IsDynamic())
	require.False(t, a.IsDynamic())
	require.Equal(t, a.Hash(), dynamic.Hash())
	require.Equal(t, a.CanonicalKey(), dynamic.CanonicalKey())

	otherShape, err := NewMirroredTensorMeta(shapes.Make(dtypes.Float32, 8, 5), device)
	require.NoError(t, err)
	require.False(t, a.Equal(otherShape))

	otherDevice, err := NewMirroredTensorMeta(shape, testDevice(t, devices.CPU, 1))
	require.NoError(t, err)
	require.False(t, a.Equal(otherDevice))

	otherDType, err := NewMirroredTensorMeta(shapes.Make(dtypes.Int64, 8, 4), device)
	require.NoError(t, err)
	require.False(t, a.Equal(otherDType))
}

func TestConsistentMetaEqualityIgnoresDynamic(t *testing.T) {
	pd := testParallelDesc(t, 4)
	dist := testDistribution(t, placement.Split(0), placement.Broadcast())
	shape := shapes.Make(dtypes.Float32, 8, 4)

	a, err := NewConsistentTensorMeta(shape, dist, pd)
	require.NoError(t, err)
	b, err := NewConsistentTensorMeta(shape.Clone(), dist, pd)
	require.NoError(t, err)
	dynamic := b.WithDynamic(true)

	require.True(t, a.Equal(b))
	require.True(t, a.Equal(dynamic))
	require.Equal(t, a.Hash(), dynamic.Hash())
	require.Equal(t, a.CanonicalKey(), dynamic.CanonicalKey())

	otherDist, err := NewConsistentTensorMeta(shape, testDistribution(t, placement.Broadcast(), placement.Broadcast()), pd)
	require.NoError(t, err)
	require.False(t, a.Equal(otherDist))

	otherGroup, err := NewConsistentTensorMeta(shape, dist, testParallelDesc(t, 2))
	require.NoError(t, err)
	require.False(t, a.Equal(otherGroup))
}

func TestConsistentMetaRequiresOneEntryPerAxis(t *testing.T) {
	pd := testParallelDesc(t, 2)
	shape := shapes.Make(dtypes.Float32, 8, 4)

	_, err := NewConsistentTensorMeta(shape, testDistribution(t, placement.Broadcast()), pd)
	require.Error(t, err)
	_, err = NewConsistentTensorMeta(shape, placement.BroadcastOnly(3), pd)
	require.Error(t, err)
	_, err = NewConsistentTensorMeta(shape, placement.BroadcastOnly(2), pd)
	require.NoError(t, err)
}

func TestMetaInterningDeduplicates(t *testing.T) {
	device := testDevice(t, devices.CPU, 0)
	shape := shapes.Make(dtypes.Float32, 3, 7)

	a, err := NewMirroredTensorMeta(shape, device)
	require.NoError(t, err)
	b, err := NewMirroredTensorMeta(shape.Clone(), device)
	require.NoError(t, err)

	interned := InternMirroredTensorMeta(a)
	require.Same(t, interned, InternMirroredTensorMeta(b))
	// The dynamic flag is not part of the identity, so a dynamic variant
	// resolves to the same interned symbol.
	require.Same(t, interned, InternMirroredTensorMeta(b.WithDynamic(true)))

	other, err := NewMirroredTensorMeta(shapes.Make(dtypes.Float32, 3, 8), device)
	require.NoError(t, err)
	require.NotSame(t, interned, InternMirroredTensorMeta(other))

	pd := testParallelDesc(t, 2)
	dist := placement.BroadcastOnly(2)
	ca, err := NewConsistentTensorMeta(shape, dist, pd)
	require.NoError(t, err)
	cb, err := NewConsistentTensorMeta(shape.Clone(), dist, pd)
	require.NoError(t, err)
	require.Same(t, InternConsistentTensorMeta(ca), InternConsistentTensorMeta(cb))
}
