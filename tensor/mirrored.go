package tensor

import (
	"sync/atomic"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/types/shapes"
	"github.com/distensor/distensor/types/xsync"
	"github.com/distensor/distensor/vm"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LazyMirroredTensorImpl is a graph-recorded local tensor: it has a meta but
// no physical buffer. Its shape is whatever the meta promises.
type LazyMirroredTensorImpl struct {
	implBase
	meta *MirroredTensorMeta
}

var _ MirroredImpl = (*LazyMirroredTensorImpl)(nil)

// NewLazyMirroredTensorImpl builds a lazy local tensor impl over the meta.
func NewLazyMirroredTensorImpl(meta *MirroredTensorMeta, requiresGrad, isLeaf bool) (*LazyMirroredTensorImpl, error) {
	if meta == nil {
		return nil, errors.New("nil meta for LazyMirroredTensorImpl")
	}
	return &LazyMirroredTensorImpl{implBase: newImplBase(requiresGrad, isLeaf), meta: meta}, nil
}

// TensorMeta returns the immutable meta.
func (impl *LazyMirroredTensorImpl) TensorMeta() *MirroredTensorMeta { return impl.meta }

// Device the tensor lives on.
func (impl *LazyMirroredTensorImpl) Device() *devices.Device { return impl.meta.Device() }

// DType of the tensor's elements.
func (impl *LazyMirroredTensorImpl) DType() dtypes.DType { return impl.meta.DType() }

// IsLazy always reports true.
func (impl *LazyMirroredTensorImpl) IsLazy() bool { return true }

// Shape is the meta's shape; a lazy tensor has nothing to materialize.
func (impl *LazyMirroredTensorImpl) Shape() (shapes.Shape, error) { return impl.meta.Shape(), nil }

// Detach returns a new lazy impl sharing the meta, with requiresGrad=false
// and isLeaf=true.
func (impl *LazyMirroredTensorImpl) Detach() (MirroredImpl, error) {
	return NewLazyMirroredTensorImpl(impl.meta, false, true)
}

// EagerMirroredTensorImpl is a local tensor backed (or about to be backed)
// by a device-resident blob. Until a blob is bound, the meta answers shape
// queries; afterwards the blob does, materializing through the execution
// core when the producing instruction hasn't completed yet.
type EagerMirroredTensorImpl struct {
	implBase
	meta       *MirroredTensorMeta
	machine    *vm.VirtualMachine
	lockHelper *vm.ForeignLockHelper

	blob    *vm.EagerBlobObject
	storage *vm.TensorStorage

	storageReleased atomic.Bool
}

var _ MirroredImpl = (*EagerMirroredTensorImpl)(nil)

// NewEagerMirroredTensorImpl builds an eager local tensor impl with no blob
// yet; bind one with InitEagerBlobObject or SetEagerBlobObject. The
// lockHelper may be nil when no foreign serialization lock is in play.
func NewEagerMirroredTensorImpl(meta *MirroredTensorMeta, machine *vm.VirtualMachine, lockHelper *vm.ForeignLockHelper, requiresGrad, isLeaf bool) (*EagerMirroredTensorImpl, error) {
	if meta == nil {
		return nil, errors.New("nil meta for EagerMirroredTensorImpl")
	}
	if machine == nil {
		return nil, errors.New("nil VirtualMachine for EagerMirroredTensorImpl")
	}
	return &EagerMirroredTensorImpl{
		implBase:   newImplBase(requiresGrad, isLeaf),
		meta:       meta,
		machine:    machine,
		lockHelper: lockHelper,
	}, nil
}

// TensorMeta returns the immutable meta.
func (impl *EagerMirroredTensorImpl) TensorMeta() *MirroredTensorMeta { return impl.meta }

// Device the tensor lives on.
func (impl *EagerMirroredTensorImpl) Device() *devices.Device { return impl.meta.Device() }

// DType of the tensor's elements.
func (impl *EagerMirroredTensorImpl) DType() dtypes.DType { return impl.meta.DType() }

// IsLazy always reports false.
func (impl *EagerMirroredTensorImpl) IsLazy() bool { return false }

// EagerBlobObject returns the bound blob, nil before materialization.
func (impl *EagerMirroredTensorImpl) EagerBlobObject() *vm.EagerBlobObject { return impl.blob }

// TensorStorage returns the storage owning the blob's buffer, nil before
// materialization.
func (impl *EagerMirroredTensorImpl) TensorStorage() *vm.TensorStorage { return impl.storage }

// ComputeDep is the dependency handle ordering instructions touching this
// tensor's buffer.
func (impl *EagerMirroredTensorImpl) ComputeDep() (*vm.DepObject, error) {
	if impl.blob == nil {
		return nil, errors.New("no blob bound, no compute dependency")
	}
	return impl.blob.ComputeDep(), nil
}

// InitEagerBlobObject creates a fresh blob and storage bound to the meta's
// shape/dtype/device and installs the storage release hook, which routes
// disposal through the execution core so a release is always ordered after
// in-flight accesses.
func (impl *EagerMirroredTensorImpl) InitEagerBlobObject() error {
	if impl.blob != nil {
		return errors.Errorf("blob already bound for %s", impl.meta)
	}
	storage := vm.NewTensorStorage()
	blob, err := vm.NewEagerBlobObject(impl.meta.Device(), impl.meta.Shape(), impl.meta.DType(), storage)
	if err != nil {
		return errors.Wrapf(err, "initializing blob for %s", impl.meta)
	}
	impl.blob = blob
	impl.storage = storage
	impl.updateTensorStorageHook()
	return nil
}

// SetEagerBlobObject binds an existing blob produced elsewhere (e.g. by an
// operation's output allocation). The blob's geometry must match the meta.
func (impl *EagerMirroredTensorImpl) SetEagerBlobObject(blob *vm.EagerBlobObject) error {
	if blob == nil {
		return errors.New("nil blob")
	}
	if blob.DType() != impl.meta.DType() {
		return errors.Errorf("blob dtype %s differs from meta dtype %s", blob.DType(), impl.meta.DType())
	}
	if !blob.Shape().Equal(impl.meta.Shape()) {
		return errors.Errorf("blob shape %s differs from meta shape %s", blob.Shape(), impl.meta.Shape())
	}
	impl.blob = blob
	impl.storage = blob.Storage()
	impl.updateTensorStorageHook()
	return nil
}

// InitEagerBlobObjectAndTensorStorage binds a blob/storage pair that already
// belong together, e.g. when adopting another impl's backing. The pair must
// actually be bound 1:1.
func (impl *EagerMirroredTensorImpl) InitEagerBlobObjectAndTensorStorage(blob *vm.EagerBlobObject, storage *vm.TensorStorage) error {
	if blob == nil || storage == nil {
		return errors.New("nil blob or storage")
	}
	if blob.Storage() != storage {
		return errors.New("blob and storage are not bound to each other")
	}
	impl.blob = blob
	impl.storage = storage
	return nil
}

// updateTensorStorageHook installs the release hook: the last owner dropping
// the storage enqueues a release instruction instead of freeing inline.
func (impl *EagerMirroredTensorImpl) updateTensorStorageHook() {
	blob := impl.blob
	machine := impl.machine
	impl.storage.SetReleaserHook(func(storage *vm.TensorStorage) {
		err := vm.PhysicalRun(machine, func(builder *vm.InstructionsBuilder) error {
			_, err := builder.ReleaseTensor(blob, nil)
			return err
		})
		if err != nil {
			// The blob was already released through another path.
			klog.V(1).Infof("tensor: release hook for %s skipped: %v", storage, err)
		}
	})
}

// Release drops this impl's reference to its storage. Idempotent.
func (impl *EagerMirroredTensorImpl) Release() {
	if impl.storage == nil || !impl.storageReleased.CompareAndSwap(false, true) {
		return
	}
	impl.storage.Unref()
}

// Shape returns the tensor's shape:
//
//  1. No blob bound yet: the meta's shape (the declared geometry).
//  2. Blob bound and its shape synced: the blob's shape — the fast path.
//  3. Otherwise the producing instruction hasn't finished: enqueue a const
//     blob access whose callback trips a flag, release any foreign lock,
//     wait for the flag, then mark the blob synced. The wait is the only
//     suspension point of the core and is expected to be rare.
func (impl *EagerMirroredTensorImpl) Shape() (shapes.Shape, error) {
	if impl.blob == nil {
		return impl.meta.Shape(), nil
	}
	if impl.blob.IsShapeSynced() {
		return impl.blob.Shape(), nil
	}

	synced := xsync.NewLatch()
	err := vm.PhysicalRun(impl.machine, func(builder *vm.InstructionsBuilder) error {
		_, err := builder.AccessBlobByCallback(impl.blob, func(*vm.EagerBlobObject) {
			synced.Trigger()
		}, vm.ConstAccess)
		return err
	})
	if err != nil {
		return shapes.Invalid(), errors.Wrapf(err, "materializing shape of %s", impl.meta)
	}

	// Waiting while holding a foreign serialization lock could starve the
	// executor; release it for the duration of the wait.
	impl.lockHelper.WithScopedRelease(func() {
		synced.Wait()
	})

	impl.blob.SetShapeSynced()
	return impl.blob.Shape(), nil
}

// Detach returns a new eager impl sharing the meta, blob and storage, with
// requiresGrad=false and isLeaf=true. The detached impl holds its own
// storage reference.
func (impl *EagerMirroredTensorImpl) Detach() (MirroredImpl, error) {
	detached, err := NewEagerMirroredTensorImpl(impl.meta, impl.machine, impl.lockHelper, false, true)
	if err != nil {
		return nil, err
	}
	detached.blob = impl.blob
	detached.storage = impl.storage
	if impl.storage != nil {
		impl.storage.Ref()
	}
	return detached, nil
}
