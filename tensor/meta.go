package tensor

import (
	"fmt"
	"hash/fnv"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/distensor/distensor/types/shapes"
	"github.com/distensor/distensor/types/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MirroredTensorMeta describes a per-rank local tensor: its shape (which
// carries the dtype) and the device it lives on. Metas are created once at
// tensor construction and immutable thereafter.
//
// The isDynamic flag marks tensors whose blob-side shape is only final after
// execution. Equality and hashing deliberately ignore it: two metas
// describing the same shape/dtype/device are interchangeable even if their
// dynamic-shape flags differ.
type MirroredTensorMeta struct {
	shape     shapes.Shape
	device    *devices.Device
	isDynamic bool
}

// NewMirroredTensorMeta builds a meta for a local tensor.
func NewMirroredTensorMeta(shape shapes.Shape, device *devices.Device) (*MirroredTensorMeta, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for tensor meta", shape)
	}
	if device == nil {
		return nil, errors.New("nil device for tensor meta")
	}
	return &MirroredTensorMeta{shape: shape.Clone(), device: device}, nil
}

// Shape of the tensor. The returned value must not be mutated.
func (m *MirroredTensorMeta) Shape() shapes.Shape { return m.shape }

// DType of the tensor's elements.
func (m *MirroredTensorMeta) DType() dtypes.DType { return m.shape.DType }

// Device the tensor lives on.
func (m *MirroredTensorMeta) Device() *devices.Device { return m.device }

// IsDynamic reports whether the shape is only final after execution.
func (m *MirroredTensorMeta) IsDynamic() bool { return m.isDynamic }

// WithDynamic returns a copy of the meta with the dynamic flag set as given.
func (m *MirroredTensorMeta) WithDynamic(dynamic bool) *MirroredTensorMeta {
	clone := *m
	clone.isDynamic = dynamic
	return &clone
}

// Equal ignores the dynamic flag: shape, dtype and device only.
func (m *MirroredTensorMeta) Equal(other *MirroredTensorMeta) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return m.shape.Equal(other.shape) && m.device.Equal(other.device)
}

// Hash is consistent with Equal, so it also ignores the dynamic flag.
func (m *MirroredTensorMeta) Hash() uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s", m.shape.CanonicalKey(), m.device)
	return h.Sum64()
}

// CanonicalKey uniquely identifies shape/dtype/device; the interning table
// key. It ignores the dynamic flag, like Equal.
func (m *MirroredTensorMeta) CanonicalKey() string {
	return fmt.Sprintf("%s|%s", m.shape.CanonicalKey(), m.device)
}

// String implements fmt.Stringer.
func (m *MirroredTensorMeta) String() string {
	return fmt.Sprintf("%s on %s", m.shape, m.device)
}

// ConsistentTensorMeta describes the logical view of a tensor distributed
// across a parallel group: the logical shape, the SBP signature and the
// group itself. Like MirroredTensorMeta, equality and hashing ignore the
// dynamic flag.
type ConsistentTensorMeta struct {
	shape        shapes.Shape
	distribution placement.Distribution
	parallelDesc *placement.ParallelDesc
	isDynamic    bool
}

// NewConsistentTensorMeta builds the logical meta. The signature must cover
// every axis of the shape.
func NewConsistentTensorMeta(shape shapes.Shape, distribution placement.Distribution, parallelDesc *placement.ParallelDesc) (*ConsistentTensorMeta, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for consistent tensor meta", shape)
	}
	if parallelDesc == nil {
		return nil, errors.New("nil parallel desc for consistent tensor meta")
	}
	if distribution.NumAxes() != shape.Rank() {
		return nil, errors.Errorf("distribution %s has %d axes but shape %s has rank %d",
			distribution, distribution.NumAxes(), shape, shape.Rank())
	}
	return &ConsistentTensorMeta{shape: shape.Clone(), distribution: distribution, parallelDesc: parallelDesc}, nil
}

// Shape is the logical shape. The returned value must not be mutated.
func (m *ConsistentTensorMeta) Shape() shapes.Shape { return m.shape }

// DType of the tensor's elements.
func (m *ConsistentTensorMeta) DType() dtypes.DType { return m.shape.DType }

// Distribution is the SBP signature.
func (m *ConsistentTensorMeta) Distribution() placement.Distribution { return m.distribution }

// ParallelDesc is the device group.
func (m *ConsistentTensorMeta) ParallelDesc() *placement.ParallelDesc { return m.parallelDesc }

// IsDynamic reports whether the shape is only final after execution.
func (m *ConsistentTensorMeta) IsDynamic() bool { return m.isDynamic }

// WithDynamic returns a copy of the meta with the dynamic flag set as given.
func (m *ConsistentTensorMeta) WithDynamic(dynamic bool) *ConsistentTensorMeta {
	clone := *m
	clone.isDynamic = dynamic
	return &clone
}

// Equal ignores the dynamic flag: shape, dtype, signature and group only.
func (m *ConsistentTensorMeta) Equal(other *ConsistentTensorMeta) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return m.shape.Equal(other.shape) &&
		m.distribution.Equal(other.distribution) &&
		m.parallelDesc.Equal(other.parallelDesc)
}

// Hash is consistent with Equal, so it also ignores the dynamic flag.
func (m *ConsistentTensorMeta) Hash() uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprint(h, m.CanonicalKey())
	return h.Sum64()
}

// CanonicalKey uniquely identifies shape/dtype/signature/group; the interning
// table key. It ignores the dynamic flag, like Equal.
func (m *ConsistentTensorMeta) CanonicalKey() string {
	return fmt.Sprintf("%s|%s|%s", m.shape.CanonicalKey(), m.distribution.CanonicalKey(), m.parallelDesc.CanonicalKey())
}

// String implements fmt.Stringer.
func (m *ConsistentTensorMeta) String() string {
	return fmt.Sprintf("%s as %s on %s", m.shape, m.distribution, m.parallelDesc)
}

// Symbol tables: process-wide interning of tensor metas. Repeated placements
// describing the same logical tensor deduplicate to one shared, immutable
// meta, which is what makes caching by meta identity work.

var (
	mirroredMetaTable   xsync.SyncMap[string, *MirroredTensorMeta]
	consistentMetaTable xsync.SyncMap[string, *ConsistentTensorMeta]
)

// InternMirroredTensorMeta returns the canonical shared instance for the
// given meta. Metas differing only in the dynamic flag intern to the same
// instance, consistent with Equal.
func InternMirroredTensorMeta(meta *MirroredTensorMeta) *MirroredTensorMeta {
	interned, _ := mirroredMetaTable.LoadOrStore(meta.CanonicalKey(), meta)
	return interned
}

// InternConsistentTensorMeta returns the canonical shared instance for the
// given meta, with the same dynamic-flag semantics as
// InternMirroredTensorMeta.
func InternConsistentTensorMeta(meta *ConsistentTensorMeta) *ConsistentTensorMeta {
	interned, _ := consistentMetaTable.LoadOrStore(meta.CanonicalKey(), meta)
	return interned
}
