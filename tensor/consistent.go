package tensor

import (
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/distensor/distensor/vm"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// LazyConsistentTensorImpl is a graph-recorded distributed tensor: just the
// interned logical meta, no per-rank shard yet.
type LazyConsistentTensorImpl struct {
	implBase
	meta *ConsistentTensorMeta
}

var _ ConsistentImpl = (*LazyConsistentTensorImpl)(nil)

// NewLazyConsistentTensorImpl builds a lazy distributed tensor impl over the
// (interned) meta.
func NewLazyConsistentTensorImpl(meta *ConsistentTensorMeta, requiresGrad, isLeaf bool) (*LazyConsistentTensorImpl, error) {
	if meta == nil {
		return nil, errors.New("nil meta for LazyConsistentTensorImpl")
	}
	return &LazyConsistentTensorImpl{
		implBase: newImplBase(requiresGrad, isLeaf),
		meta:     InternConsistentTensorMeta(meta),
	}, nil
}

// TensorMeta returns the interned logical meta.
func (impl *LazyConsistentTensorImpl) TensorMeta() *ConsistentTensorMeta { return impl.meta }

// ParallelDesc is the device group.
func (impl *LazyConsistentTensorImpl) ParallelDesc() *placement.ParallelDesc {
	return impl.meta.ParallelDesc()
}

// Distribution is the SBP signature.
func (impl *LazyConsistentTensorImpl) Distribution() placement.Distribution {
	return impl.meta.Distribution()
}

// DType of the tensor's elements.
func (impl *LazyConsistentTensorImpl) DType() dtypes.DType { return impl.meta.DType() }

// IsLazy always reports true.
func (impl *LazyConsistentTensorImpl) IsLazy() bool { return true }

// Shape is the logical shape.
func (impl *LazyConsistentTensorImpl) Shape() (shapes.Shape, error) { return impl.meta.Shape(), nil }

// CurRankPhyTensor is always nil for a lazy impl.
func (impl *LazyConsistentTensorImpl) CurRankPhyTensor() *MirroredTensor { return nil }

// Detach returns a new lazy impl sharing the meta, with requiresGrad=false
// and isLeaf=true.
func (impl *LazyConsistentTensorImpl) Detach() (ConsistentImpl, error) {
	return NewLazyConsistentTensorImpl(impl.meta, false, true)
}

// EagerConsistentTensorImpl is the logical view of an eagerly-executed
// distributed tensor: the interned logical meta plus, when the current
// process is a member of the parallel group, this rank's physical shard.
//
// The absence of a shard is a queryable state (the process simply isn't in
// the group), never an error.
type EagerConsistentTensorImpl struct {
	implBase
	meta             *ConsistentTensorMeta
	curRankPhyTensor *MirroredTensor
}

var _ ConsistentImpl = (*EagerConsistentTensorImpl)(nil)

// NewEagerConsistentFromMirrored promotes a local tensor to the distributed
// view described by the signature and group. The physical tensor must be
// eager, and must live on exactly the device the group assigns to the
// current process: promoting data that sits on the wrong device would
// silently corrupt the distributed value, so it fails with a placement
// error instead.
//
// The logical shape is derived from the shard's shape, which assumes split
// axes divide evenly among the group: a single shard cannot disambiguate
// uneven splits, so callers promoting uneven shards must fix the logical
// shape themselves and go through NewEagerConsistentFromMeta instead.
// The impl inherits requiresGrad/isLeaf from the physical tensor.
func NewEagerConsistentFromMirrored(phy *MirroredTensor, distribution placement.Distribution, pd *placement.ParallelDesc, ctx *placement.ProcessCtx) (*EagerConsistentTensorImpl, error) {
	if phy == nil {
		return nil, errors.New("nil physical tensor")
	}
	if phy.IsLazy() {
		return nil, errors.New("only eager local tensors can be promoted to a consistent tensor")
	}
	device, _, err := pd.GetDevice4CurrentProcessCtx(ctx)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.Errorf("current process (%s) is not a member of %s", ctx, pd)
	}
	if !device.Equal(phy.Device()) {
		return nil, errors.Errorf(
			"physical tensor on %s but %s assigns %s to the current process: only local tensors on the current rank device can be promoted",
			phy.Device(), pd, device)
	}

	phyShape, err := phy.MaterializeShape()
	if err != nil {
		return nil, err
	}
	logical, err := placement.GetLogicalShape(phyShape, distribution, pd)
	if err != nil {
		return nil, err
	}
	meta, err := NewConsistentTensorMeta(logical, distribution, pd)
	if err != nil {
		return nil, err
	}
	return &EagerConsistentTensorImpl{
		implBase:         newImplBase(phy.RequiresGrad(), phy.IsLeaf()),
		meta:             InternConsistentTensorMeta(meta),
		curRankPhyTensor: phy,
	}, nil
}

// NewEagerConsistentFromMeta materializes a distributed tensor whose logical
// description is already fixed. If the current process is a member of the
// parallel group, its shard is synthesized: the rank's physical shape is
// derived from the signature and a fresh eager local tensor with a new blob
// is allocated for it. Otherwise the impl simply has no physical tensor.
//
// This is a dispatch on device presence, not a type split: both paths yield
// the same impl type.
func NewEagerConsistentFromMeta(meta *ConsistentTensorMeta, machine *vm.VirtualMachine, lockHelper *vm.ForeignLockHelper, ctx *placement.ProcessCtx, requiresGrad, isLeaf bool) (*EagerConsistentTensorImpl, error) {
	if meta == nil {
		return nil, errors.New("nil meta")
	}
	if machine == nil {
		return nil, errors.New("nil VirtualMachine")
	}
	meta = InternConsistentTensorMeta(meta)
	device, parallelID, err := meta.ParallelDesc().GetDevice4CurrentProcessCtx(ctx)
	if err != nil {
		return nil, err
	}
	if device == nil {
		// Absent rank: a consistent tensor with no local shard.
		return &EagerConsistentTensorImpl{
			implBase: newImplBase(requiresGrad, isLeaf),
			meta:     meta,
		}, nil
	}

	phyShape, err := placement.GetPhysicalShape(meta.Shape(), meta.Distribution(), meta.ParallelDesc(), parallelID)
	if err != nil {
		return nil, err
	}
	phyMeta, err := NewMirroredTensorMeta(phyShape, device)
	if err != nil {
		return nil, err
	}
	phyImpl, err := NewEagerMirroredTensorImpl(InternMirroredTensorMeta(phyMeta), machine, lockHelper, requiresGrad, isLeaf)
	if err != nil {
		return nil, err
	}
	if err := phyImpl.InitEagerBlobObject(); err != nil {
		return nil, err
	}
	return &EagerConsistentTensorImpl{
		implBase:         newImplBase(requiresGrad, isLeaf),
		meta:             meta,
		curRankPhyTensor: NewMirroredTensor(phyImpl),
	}, nil
}

// TensorMeta returns the interned logical meta.
func (impl *EagerConsistentTensorImpl) TensorMeta() *ConsistentTensorMeta { return impl.meta }

// ParallelDesc is the device group.
func (impl *EagerConsistentTensorImpl) ParallelDesc() *placement.ParallelDesc {
	return impl.meta.ParallelDesc()
}

// Distribution is the SBP signature.
func (impl *EagerConsistentTensorImpl) Distribution() placement.Distribution {
	return impl.meta.Distribution()
}

// DType of the tensor's elements.
func (impl *EagerConsistentTensorImpl) DType() dtypes.DType { return impl.meta.DType() }

// IsLazy always reports false.
func (impl *EagerConsistentTensorImpl) IsLazy() bool { return false }

// Shape is the logical shape.
func (impl *EagerConsistentTensorImpl) Shape() (shapes.Shape, error) { return impl.meta.Shape(), nil }

// CurRankPhyTensor is this rank's shard, nil when the current process is
// not a member of the parallel group.
func (impl *EagerConsistentTensorImpl) CurRankPhyTensor() *MirroredTensor {
	return impl.curRankPhyTensor
}

// HasPhysicalTensor reports whether this process holds a shard.
func (impl *EagerConsistentTensorImpl) HasPhysicalTensor() bool {
	return impl.curRankPhyTensor != nil
}

// Detach returns a new impl sharing the meta and (for a present shard) the
// shard's blob/storage, with requiresGrad=false and isLeaf=true.
func (impl *EagerConsistentTensorImpl) Detach() (ConsistentImpl, error) {
	detached := &EagerConsistentTensorImpl{
		implBase: newImplBase(false, true),
		meta:     impl.meta,
	}
	if impl.curRankPhyTensor != nil {
		phyDetached, err := impl.curRankPhyTensor.Detach()
		if err != nil {
			return nil, err
		}
		detached.curRankPhyTensor = phyDetached
	}
	return detached, nil
}
