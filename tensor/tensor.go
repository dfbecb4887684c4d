// Package tensor implements the tensor-representation substrate of the
// runtime: immutable tensor metas (with process-wide interning), the closed
// set of tensor impl variants (lazy/eager, mirrored/consistent), and the
// construction protocol for consistent tensors.
//
// Terminology follows the distributed-runtime convention: a mirrored tensor
// is entirely local to one rank/device; a consistent tensor is one logical
// value distributed across a parallel group under an SBP signature, composed
// of one mirrored shard per participating rank.
//
// The variants are flat structs behind capability interfaces, selected at
// construction time; there is no deep hierarchy. All of them share the
// gradient-slot delegation of implBase.
package tensor

import (
	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor is the capability set common to mirrored and consistent tensors.
// MirroredTensor and ConsistentTensor implement it.
type Tensor interface {
	shapes.HasShape
	DType() dtypes.DType
	IsLazy() bool
	RequiresGrad() bool
	IsLeaf() bool

	// Gradient slot, delegating to the impl's AutogradMeta.
	AccGrad() (Tensor, error)
	CurrentGrad() (*TensorArg, error)
	SetAccGrad(grad Tensor) error
	MutAccGrad() (Tensor, error)
	SetRetainGrad(retain bool) error
}

// Impl is the capability set shared by every tensor impl variant.
type Impl interface {
	DType() dtypes.DType
	IsLazy() bool
	RequiresGrad() bool
	IsLeaf() bool

	AutogradMeta() *AutogradMeta
	SetAutogradMeta(meta *AutogradMeta)
	AccGrad() (Tensor, error)
	CurrentGrad() (*TensorArg, error)
	SetAccGrad(grad Tensor) error
	MutAccGrad() (Tensor, error)
	SetRetainGrad(retain bool) error
}

// MirroredImpl is a tensor impl local to one rank/device.
type MirroredImpl interface {
	Impl
	TensorMeta() *MirroredTensorMeta
	Device() *devices.Device
	// Shape may have to materialize the blob-side shape through the
	// execution core; see EagerMirroredTensorImpl.Shape.
	Shape() (shapes.Shape, error)
	// Detach returns a new impl sharing this one's meta (and, for eager
	// impls, blob and storage) with requiresGrad=false and isLeaf=true.
	Detach() (MirroredImpl, error)
}

// ConsistentImpl is a tensor impl representing the logical view of a tensor
// distributed across a parallel group.
type ConsistentImpl interface {
	Impl
	TensorMeta() *ConsistentTensorMeta
	ParallelDesc() *placement.ParallelDesc
	Distribution() placement.Distribution
	Shape() (shapes.Shape, error)
	// CurRankPhyTensor is this rank's shard, nil when the current process
	// is not a member of the parallel group.
	CurRankPhyTensor() *MirroredTensor
	Detach() (ConsistentImpl, error)
}

// implBase carries the state and gradient-slot delegation every impl variant
// shares. The autograd metadata may be nil (detached tensors, tensors that
// don't require grad); the delegating accessors then fail with
// ErrNoAutogradMeta.
type implBase struct {
	requiresGrad bool
	isLeaf       bool
	autograd     *AutogradMeta
}

func newImplBase(requiresGrad, isLeaf bool) implBase {
	base := implBase{requiresGrad: requiresGrad, isLeaf: isLeaf}
	if requiresGrad {
		base.autograd = NewAutogradMeta()
	}
	return base
}

func (b *implBase) RequiresGrad() bool { return b.requiresGrad }

func (b *implBase) IsLeaf() bool { return b.isLeaf }

func (b *implBase) AutogradMeta() *AutogradMeta { return b.autograd }

func (b *implBase) SetAutogradMeta(meta *AutogradMeta) { b.autograd = meta }

func (b *implBase) AccGrad() (Tensor, error) {
	if b.autograd == nil {
		return nil, ErrNoAutogradMeta
	}
	return b.autograd.AccGrad(), nil
}

func (b *implBase) CurrentGrad() (*TensorArg, error) {
	if b.autograd == nil {
		return nil, ErrNoAutogradMeta
	}
	return b.autograd.CurrentGrad(), nil
}

func (b *implBase) SetAccGrad(grad Tensor) error {
	if b.autograd == nil {
		return ErrNoAutogradMeta
	}
	b.autograd.SetAccGrad(grad)
	return nil
}

func (b *implBase) MutAccGrad() (Tensor, error) {
	if b.autograd == nil {
		return nil, ErrNoAutogradMeta
	}
	return b.autograd.AccGrad(), nil
}

func (b *implBase) SetRetainGrad(retain bool) error {
	if b.autograd == nil {
		return ErrNoAutogradMeta
	}
	b.autograd.SetRetainGrad(retain)
	return nil
}

// MirroredTensor is the application-facing handle over a MirroredImpl.
type MirroredTensor struct {
	impl MirroredImpl
}

// NewMirroredTensor wraps an impl.
func NewMirroredTensor(impl MirroredImpl) *MirroredTensor {
	return &MirroredTensor{impl: impl}
}

// Impl exposes the underlying impl variant.
func (t *MirroredTensor) Impl() MirroredImpl { return t.impl }

// Shape of the tensor. This is the entry point that may materialize a shape
// through the execution core. It returns Invalid() if materialization could
// not be enqueued; use MaterializeShape for the error-carrying form.
func (t *MirroredTensor) Shape() shapes.Shape {
	shape, err := t.impl.Shape()
	if err != nil {
		return shapes.Invalid()
	}
	return shape
}

// MaterializeShape is Shape with the error surfaced.
func (t *MirroredTensor) MaterializeShape() (shapes.Shape, error) { return t.impl.Shape() }

// DType of the tensor's elements.
func (t *MirroredTensor) DType() dtypes.DType { return t.impl.DType() }

// Device the tensor lives on.
func (t *MirroredTensor) Device() *devices.Device { return t.impl.Device() }

// IsLazy reports whether the tensor is graph-recorded rather than eager.
func (t *MirroredTensor) IsLazy() bool { return t.impl.IsLazy() }

// RequiresGrad reports whether gradients are tracked for this tensor.
func (t *MirroredTensor) RequiresGrad() bool { return t.impl.RequiresGrad() }

// IsLeaf reports whether the tensor is a leaf of the autograd graph.
func (t *MirroredTensor) IsLeaf() bool { return t.impl.IsLeaf() }

// Detach returns a new tensor sharing this one's meta (and blob/storage for
// eager tensors) that does not require grad and is a leaf.
func (t *MirroredTensor) Detach() (*MirroredTensor, error) {
	detached, err := t.impl.Detach()
	if err != nil {
		return nil, err
	}
	return NewMirroredTensor(detached), nil
}

// AccGrad returns the accumulated gradient.
func (t *MirroredTensor) AccGrad() (Tensor, error) { return t.impl.AccGrad() }

// CurrentGrad returns the in-flight gradient holder.
func (t *MirroredTensor) CurrentGrad() (*TensorArg, error) { return t.impl.CurrentGrad() }

// SetAccGrad replaces the accumulated gradient.
func (t *MirroredTensor) SetAccGrad(grad Tensor) error { return t.impl.SetAccGrad(grad) }

// MutAccGrad returns the accumulated gradient for mutation.
func (t *MirroredTensor) MutAccGrad() (Tensor, error) { return t.impl.MutAccGrad() }

// SetRetainGrad sets gradient retention.
func (t *MirroredTensor) SetRetainGrad(retain bool) error { return t.impl.SetRetainGrad(retain) }

// ConsistentTensor is the application-facing handle over a ConsistentImpl:
// one logical tensor distributed across a parallel group.
type ConsistentTensor struct {
	impl ConsistentImpl
}

// NewConsistentTensor wraps an impl.
func NewConsistentTensor(impl ConsistentImpl) *ConsistentTensor {
	return &ConsistentTensor{impl: impl}
}

// Impl exposes the underlying impl variant.
func (t *ConsistentTensor) Impl() ConsistentImpl { return t.impl }

// Shape is the logical shape.
func (t *ConsistentTensor) Shape() shapes.Shape {
	shape, err := t.impl.Shape()
	if err != nil {
		return shapes.Invalid()
	}
	return shape
}

// DType of the tensor's elements.
func (t *ConsistentTensor) DType() dtypes.DType { return t.impl.DType() }

// ParallelDesc is the device group the tensor is distributed over.
func (t *ConsistentTensor) ParallelDesc() *placement.ParallelDesc { return t.impl.ParallelDesc() }

// Distribution is the SBP signature.
func (t *ConsistentTensor) Distribution() placement.Distribution { return t.impl.Distribution() }

// CurRankPhyTensor is the current rank's shard, nil when this process is not
// part of the parallel group.
func (t *ConsistentTensor) CurRankPhyTensor() *MirroredTensor { return t.impl.CurRankPhyTensor() }

// IsLazy reports whether the tensor is graph-recorded rather than eager.
func (t *ConsistentTensor) IsLazy() bool { return t.impl.IsLazy() }

// RequiresGrad reports whether gradients are tracked for this tensor.
func (t *ConsistentTensor) RequiresGrad() bool { return t.impl.RequiresGrad() }

// IsLeaf reports whether the tensor is a leaf of the autograd graph.
func (t *ConsistentTensor) IsLeaf() bool { return t.impl.IsLeaf() }

// Detach returns a new tensor sharing this one's meta and shard that does
// not require grad and is a leaf.
func (t *ConsistentTensor) Detach() (*ConsistentTensor, error) {
	detached, err := t.impl.Detach()
	if err != nil {
		return nil, err
	}
	return NewConsistentTensor(detached), nil
}

// AccGrad returns the accumulated gradient.
func (t *ConsistentTensor) AccGrad() (Tensor, error) { return t.impl.AccGrad() }

// CurrentGrad returns the in-flight gradient holder.
func (t *ConsistentTensor) CurrentGrad() (*TensorArg, error) { return t.impl.CurrentGrad() }

// SetAccGrad replaces the accumulated gradient.
func (t *ConsistentTensor) SetAccGrad(grad Tensor) error { return t.impl.SetAccGrad(grad) }

// MutAccGrad returns the accumulated gradient for mutation.
func (t *ConsistentTensor) MutAccGrad() (Tensor, error) { return t.impl.MutAccGrad() }

// SetRetainGrad sets gradient retention.
func (t *ConsistentTensor) SetRetainGrad(retain bool) error { return t.impl.SetRetainGrad(retain) }
