package vm

import (
	"context"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/types/xsync"
)

// Opcode names what an instruction does. It is informational (logging,
// debugging); dispatch and execution are driven by the instruction body.
type Opcode string

const (
	OpAllocBlob   Opcode = "blob.alloc"
	OpCompute     Opcode = "compute"
	OpAccessBlob  Opcode = "blob.access"
	OpReleaseBlob Opcode = "blob.release"
)

// AccessMode declares how an instruction touches a shared object, for
// dependency ordering: const accesses may overlap each other, a mut access
// is ordered after every earlier access and before every later one.
type AccessMode uint8

const (
	ConstAccess AccessMode = iota
	MutAccess
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	if m == ConstAccess {
		return "const"
	}
	return "mut"
}

// Operand declares one shared object an instruction touches and how.
type Operand struct {
	Dep  *DepObject
	Mode AccessMode
}

// Instruction is one unit of work for the execution core: a body to run on a
// device stream, plus the operands whose access ordering must be honored
// before the body runs.
//
// Instructions are created by an InstructionsBuilder and dispatched by
// PhysicalRun; once dispatched they run to completion, there is no
// cancellation.
type Instruction struct {
	opcode   Opcode
	device   *devices.Device
	operands []Operand
	body     func(ctx context.Context) error

	// waits are the completion latches of earlier-dispatched instructions
	// this one must order after. Filled at dispatch time under the VM lock.
	waits []*xsync.Latch

	done *xsync.Latch
}

func newInstruction(opcode Opcode, device *devices.Device, body func(ctx context.Context) error, operands ...Operand) *Instruction {
	return &Instruction{
		opcode:   opcode,
		device:   device,
		operands: operands,
		body:     body,
		done:     xsync.NewLatch(),
	}
}

// Opcode of the instruction.
func (i *Instruction) Opcode() Opcode { return i.opcode }

// Device the instruction is queued on.
func (i *Instruction) Device() *devices.Device { return i.device }

// Done reports whether the instruction has completed. This is the status
// querier synchronization primitives poll.
func (i *Instruction) Done() bool { return i.done.Test() }

// DoneChan returns a channel closed when the instruction completes,
// usable in a select.
func (i *Instruction) DoneChan() <-chan struct{} { return i.done.WaitChan() }

// Sync blocks until the instruction has completed.
func (i *Instruction) Sync() { i.done.Wait() }
