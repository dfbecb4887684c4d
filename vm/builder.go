package vm

import (
	"context"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/placement"
	"github.com/pkg/errors"
)

// InstructionsBuilder collects the instructions of one PhysicalRun. Builder
// methods validate their preconditions synchronously and fail with an error
// before anything is enqueued; the collected instructions are dispatched, in
// the order they were built, when the build callback returns.
type InstructionsBuilder struct {
	instructions []*Instruction
}

// AllocateBlob enqueues the allocation of the blob's buffer: its storage gets
// backed with ByteSize bytes. The allocation is a mut access on the blob so
// later instructions touching it order after it.
func (b *InstructionsBuilder) AllocateBlob(blob *EagerBlobObject) (*Instruction, error) {
	if blob == nil {
		return nil, errors.New("AllocateBlob: nil blob")
	}
	if blob.Released() {
		return nil, errors.Errorf("AllocateBlob: %s already released", blob)
	}
	size := int(blob.ByteSize())
	instr := newInstruction(OpAllocBlob, blob.Device(), func(context.Context) error {
		return blob.Storage().allocate(size)
	}, Operand{Dep: blob.ComputeDep(), Mode: MutAccess})
	b.instructions = append(b.instructions, instr)
	return instr, nil
}

// Compute enqueues an opaque device computation. The operands declare every
// shared object the body reads (ConstAccess) or writes (MutAccess); the body
// runs on the device's stream goroutine.
func (b *InstructionsBuilder) Compute(device *devices.Device, body func(ctx context.Context) error, operands ...Operand) (*Instruction, error) {
	if device == nil {
		return nil, errors.New("Compute: nil device")
	}
	if body == nil {
		return nil, errors.New("Compute: nil body")
	}
	for i, operand := range operands {
		if operand.Dep == nil {
			return nil, errors.Errorf("Compute: operand %d has nil dependency", i)
		}
	}
	instr := newInstruction(OpCompute, device, body, operands...)
	b.instructions = append(b.instructions, instr)
	return instr, nil
}

// AccessBlobByCallback enqueues an instruction that invokes callback exactly
// once, on the blob's stream goroutine, after every earlier instruction the
// declared mode orders it behind. With ConstAccess the callback observes a
// materialized blob without delaying other readers; with MutAccess it is
// exclusive.
func (b *InstructionsBuilder) AccessBlobByCallback(blob *EagerBlobObject, callback func(blob *EagerBlobObject), mode AccessMode) (*Instruction, error) {
	if blob == nil {
		return nil, errors.New("AccessBlobByCallback: nil blob")
	}
	if callback == nil {
		return nil, errors.New("AccessBlobByCallback: nil callback")
	}
	if blob.Released() {
		return nil, errors.Errorf("AccessBlobByCallback: %s already released", blob)
	}
	instr := newInstruction(OpAccessBlob, blob.Device(), func(context.Context) error {
		callback(blob)
		return nil
	}, Operand{Dep: blob.ComputeDep(), Mode: mode})
	b.instructions = append(b.instructions, instr)
	return instr, nil
}

// ReleaseTensor enqueues disposal of the blob's resources. The release is a
// mut access on the blob, so it orders after every in-flight read and write;
// the buffer is never freed out from under an instruction still using it.
//
// The parallel description identifies the group the blob's tensor belonged
// to; releasing a blob on a device outside that group is a placement error.
func (b *InstructionsBuilder) ReleaseTensor(blob *EagerBlobObject, pd *placement.ParallelDesc) (*Instruction, error) {
	if blob == nil {
		return nil, errors.New("ReleaseTensor: nil blob")
	}
	if blob.Released() {
		return nil, errors.Errorf("ReleaseTensor: %s already released", blob)
	}
	if pd != nil && pd.DeviceKind() != blob.Device().Kind() {
		return nil, errors.Errorf("ReleaseTensor: %s is on %s but the parallel group is %s",
			blob, blob.Device(), pd)
	}
	instr := newInstruction(OpReleaseBlob, blob.Device(), func(context.Context) error {
		blob.released.Set()
		blob.Storage().free()
		return nil
	}, Operand{Dep: blob.ComputeDep(), Mode: MutAccess})
	b.instructions = append(b.instructions, instr)
	return instr, nil
}

// PhysicalRun synchronously runs build to collect instructions, dispatches
// them in build order and returns; their execution is asynchronous relative
// to the caller. If build fails nothing is dispatched.
func PhysicalRun(machine *VirtualMachine, build func(builder *InstructionsBuilder) error) error {
	if machine == nil {
		return errors.New("PhysicalRun: nil VirtualMachine")
	}
	if build == nil {
		return errors.New("PhysicalRun: nil build callback")
	}
	builder := &InstructionsBuilder{}
	if err := build(builder); err != nil {
		return errors.Wrap(err, "PhysicalRun: build failed")
	}
	for _, instr := range builder.instructions {
		if err := machine.dispatch(instr); err != nil {
			return errors.Wrap(err, "PhysicalRun: dispatch failed")
		}
	}
	return nil
}
