package tensor

import (
	"testing"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/distensor/distensor/vm"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func testProcessCtx(t *testing.T, rank, worldSize, devicesPerNode int) *placement.ProcessCtx {
	t.Helper()
	ctx, err := placement.NewProcessCtx(rank, worldSize, devicesPerNode)
	require.NoError(t, err)
	return ctx
}

func TestEagerConsistentFromMetaMemberRank(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 4)
	dist := testDistribution(t, placement.Split(0), placement.Broadcast())
	meta, err := NewConsistentTensorMeta(shapes.Make(dtypes.Float32, 8, 4), dist, pd)
	require.NoError(t, err)

	// Rank 1 of a 4-device single-machine group drives cpu:1 and holds the
	// second row block.
	ctx := testProcessCtx(t, 1, 4, 4)
	impl, err := NewEagerConsistentFromMeta(meta, machine, nil, ctx, false, true)
	require.NoError(t, err)

	require.True(t, impl.HasPhysicalTensor())
	phy := impl.CurRankPhyTensor()
	require.NotNil(t, phy)
	require.True(t, phy.Device().Equal(testDevice(t, devices.CPU, 1)))

	phyShape, err := phy.MaterializeShape()
	require.NoError(t, err)
	require.True(t, phyShape.Equal(shapes.Make(dtypes.Float32, 2, 4)))

	phyImpl, ok := phy.Impl().(*EagerMirroredTensorImpl)
	require.True(t, ok)
	require.NotNil(t, phyImpl.EagerBlobObject())
	require.NotNil(t, phyImpl.TensorStorage())

	wrapped := NewConsistentTensor(impl)
	require.True(t, wrapped.Shape().Equal(shapes.Make(dtypes.Float32, 8, 4)))
	require.True(t, wrapped.Distribution().Equal(dist))
	require.True(t, wrapped.ParallelDesc().Equal(pd))
	require.False(t, wrapped.IsLazy())
}

func TestEagerConsistentFromMetaAbsentRank(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 2)
	meta, err := NewConsistentTensorMeta(shapes.Make(dtypes.Float32, 6), testDistribution(t, placement.PartialSum()), pd)
	require.NoError(t, err)

	// Rank 2 lives on machine 1, which the single-machine group does not
	// include. The tensor still exists logically, just without a shard.
	ctx := testProcessCtx(t, 2, 4, 2)
	impl, err := NewEagerConsistentFromMeta(meta, machine, nil, ctx, false, true)
	require.NoError(t, err)
	require.False(t, impl.HasPhysicalTensor())
	require.Nil(t, impl.CurRankPhyTensor())

	shape, err := impl.Shape()
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float32, 6)))
}

func TestEagerConsistentFromMirrored(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 4)
	dist := testDistribution(t, placement.Split(0), placement.Broadcast())
	ctx := testProcessCtx(t, 0, 4, 4)

	phyMeta, err := NewMirroredTensorMeta(shapes.Make(dtypes.Float32, 2, 4), testDevice(t, devices.CPU, 0))
	require.NoError(t, err)
	phyImpl, err := NewEagerMirroredTensorImpl(InternMirroredTensorMeta(phyMeta), machine, nil, true, true)
	require.NoError(t, err)

	impl, err := NewEagerConsistentFromMirrored(NewMirroredTensor(phyImpl), dist, pd, ctx)
	require.NoError(t, err)
	require.True(t, impl.TensorMeta().Shape().Equal(shapes.Make(dtypes.Float32, 8, 4)))
	require.True(t, impl.RequiresGrad())
	require.Same(t, phyImpl, impl.CurRankPhyTensor().Impl())

	// The interned meta matches the one FromMeta would use.
	logicalMeta, err := NewConsistentTensorMeta(shapes.Make(dtypes.Float32, 8, 4), dist, pd)
	require.NoError(t, err)
	require.Same(t, InternConsistentTensorMeta(logicalMeta), impl.TensorMeta())
}

func TestEagerConsistentFromMirroredRejectsWrongDevice(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 4)
	dist := testDistribution(t, placement.Broadcast(), placement.Broadcast())
	ctx := testProcessCtx(t, 0, 4, 4) // assigned cpu:0

	phyMeta, err := NewMirroredTensorMeta(shapes.Make(dtypes.Float32, 2, 4), testDevice(t, devices.CPU, 1))
	require.NoError(t, err)
	phyImpl, err := NewEagerMirroredTensorImpl(phyMeta, machine, nil, false, true)
	require.NoError(t, err)

	_, err = NewEagerConsistentFromMirrored(NewMirroredTensor(phyImpl), dist, pd, ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cpu:1")
}

func TestEagerConsistentFromMirroredRejectsLazyAndNonMember(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 2)
	dist := testDistribution(t, placement.Broadcast())

	lazyMeta, err := NewMirroredTensorMeta(shapes.Make(dtypes.Float32, 3), testDevice(t, devices.CPU, 0))
	require.NoError(t, err)
	lazyImpl, err := NewLazyMirroredTensorImpl(lazyMeta, false, true)
	require.NoError(t, err)
	_, err = NewEagerConsistentFromMirrored(NewMirroredTensor(lazyImpl), dist, pd, testProcessCtx(t, 0, 2, 2))
	require.Error(t, err)

	eagerImpl, err := NewEagerMirroredTensorImpl(lazyMeta, machine, nil, false, true)
	require.NoError(t, err)
	_, err = NewEagerConsistentFromMirrored(NewMirroredTensor(eagerImpl), dist, pd, testProcessCtx(t, 2, 4, 2))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a member")
}

func TestConsistentDetach(t *testing.T) {
	machine := vm.New()
	defer machine.Finalize()
	pd := testParallelDesc(t, 4)
	dist := testDistribution(t, placement.Split(0), placement.Broadcast())
	meta, err := NewConsistentTensorMeta(shapes.Make(dtypes.Float32, 8, 4), dist, pd)
	require.NoError(t, err)
	ctx := testProcessCtx(t, 0, 4, 4)

	impl, err := NewEagerConsistentFromMeta(meta, machine, nil, ctx, true, true)
	require.NoError(t, err)
	wrapped := NewConsistentTensor(impl)

	detached, err := wrapped.Detach()
	require.NoError(t, err)
	require.Same(t, impl.TensorMeta(), detached.Impl().TensorMeta())
	require.False(t, detached.RequiresGrad())
	require.True(t, detached.IsLeaf())

	// The detached shard shares the original shard's backing.
	origShard := impl.CurRankPhyTensor().Impl().(*EagerMirroredTensorImpl)
	detachedShard := detached.CurRankPhyTensor().Impl().(*EagerMirroredTensorImpl)
	require.Same(t, origShard.EagerBlobObject(), detachedShard.EagerBlobObject())
	require.Same(t, origShard.TensorStorage(), detachedShard.TensorStorage())
	require.EqualValues(t, 2, origShard.TensorStorage().Refs())

	lazy, err := NewLazyConsistentTensorImpl(meta, true, false)
	require.NoError(t, err)
	lazyDetached, err := lazy.Detach()
	require.NoError(t, err)
	require.True(t, lazyDetached.IsLazy())
	require.Nil(t, lazyDetached.CurRankPhyTensor())
	require.False(t, lazyDetached.RequiresGrad())
}
