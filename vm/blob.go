package vm

import (
	"fmt"
	"sync"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/types/shapes"
	"github.com/distensor/distensor/types/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// EagerBlobObject is the physical, device-resident buffer of an eager tensor
// plus its geometry: shape, dtype and memory case. It also carries the
// dependency handle instructions use to order accesses to the buffer, and the
// "shape synced" flag of the shape-materialization protocol.
//
// The blob's shape may be rewritten by the producing instruction (dynamic
// shapes) until a caller materializes it; from then on it is final.
//
// An EagerBlobObject is bound 1:1 to its TensorStorage.
type EagerBlobObject struct {
	device  *devices.Device
	memCase devices.MemoryCase
	dtype   dtypes.DType

	mu    sync.Mutex
	shape shapes.Shape

	shapeSynced xsync.Flag
	released    xsync.Flag

	storage    *TensorStorage
	computeDep *DepObject
}

// NewEagerBlobObject binds a fresh blob to the given storage. The shape's
// dtype must match dtype, and storage must not be nil: the blob/storage
// binding is 1:1 from birth.
func NewEagerBlobObject(device *devices.Device, shape shapes.Shape, dtype dtypes.DType, storage *TensorStorage) (*EagerBlobObject, error) {
	if device == nil {
		return nil, errors.New("nil device for EagerBlobObject")
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for EagerBlobObject", shape)
	}
	if shape.DType != dtype {
		return nil, errors.Errorf("shape %s dtype differs from blob dtype %s", shape, dtype)
	}
	if storage == nil {
		return nil, errors.New("nil storage for EagerBlobObject")
	}
	return &EagerBlobObject{
		device:     device,
		memCase:    device.MemCase(),
		dtype:      dtype,
		shape:      shape.Clone(),
		storage:    storage,
		computeDep: NewDepObject(),
	}, nil
}

// Device the blob lives on.
func (b *EagerBlobObject) Device() *devices.Device { return b.device }

// MemCase describes where the blob's bytes live.
func (b *EagerBlobObject) MemCase() devices.MemoryCase { return b.memCase }

// DType of the blob's elements.
func (b *EagerBlobObject) DType() dtypes.DType { return b.dtype }

// Shape returns the blob-side shape. Until IsShapeSynced reports true this
// may still change when the producing instruction runs.
func (b *EagerBlobObject) Shape() shapes.Shape {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shape.Clone()
}

// SetShape rewrites the blob-side shape. Only instruction bodies computing a
// dynamic output call it; it fails once the shape was materialized or the
// blob released.
func (b *EagerBlobObject) SetShape(shape shapes.Shape) error {
	if b.released.Test() {
		return errors.Errorf("blob on %s already released", b.device)
	}
	if b.shapeSynced.Test() {
		return errors.Errorf("blob shape %s already synced, cannot change to %s", b.Shape(), shape)
	}
	if shape.DType != b.dtype {
		return errors.Errorf("shape %s dtype differs from blob dtype %s", shape, b.dtype)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shape = shape.Clone()
	return nil
}

// IsShapeSynced reports whether the blob-side shape is final.
func (b *EagerBlobObject) IsShapeSynced() bool { return b.shapeSynced.Test() }

// SetShapeSynced marks the blob-side shape final. The flag sticks.
func (b *EagerBlobObject) SetShapeSynced() { b.shapeSynced.Set() }

// ComputeDep is the dependency handle ordering instructions that touch this
// blob's buffer.
func (b *EagerBlobObject) ComputeDep() *DepObject { return b.computeDep }

// Storage returns the TensorStorage bound to this blob.
func (b *EagerBlobObject) Storage() *TensorStorage { return b.storage }

// ByteSize is the buffer size the blob's current shape requires.
func (b *EagerBlobObject) ByteSize() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shape.Memory()
}

// Released reports whether a release instruction already disposed the blob.
func (b *EagerBlobObject) Released() bool { return b.released.Test() }

// String implements fmt.Stringer.
func (b *EagerBlobObject) String() string {
	return fmt.Sprintf("blob(%s on %s)", b.Shape(), b.device)
}
