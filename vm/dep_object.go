package vm

import (
	"fmt"
	"sync"

	"github.com/distensor/distensor/types/xsync"
	"github.com/google/uuid"
)

// DepObject is the per-shared-object ledger the execution core uses to order
// instructions that touch the same state (typically a blob's buffer).
//
// Ordering rule: a mut access waits for every earlier access to the object;
// a const access waits only for earlier mut accesses, so const accesses may
// run concurrently with each other.
//
// Acquisition happens at dispatch time, in dispatch order, under the
// VirtualMachine lock. Because of that, every wait edge points from a
// later-dispatched instruction to an earlier-dispatched one, so the wait-for
// graph is acyclic and the streams cannot deadlock on operands.
type DepObject struct {
	id uuid.UUID

	mu      sync.Mutex
	pending []depAccess
}

type depAccess struct {
	instr *Instruction
	mode  AccessMode
}

// NewDepObject returns a fresh dependency handle with no pending accesses.
func NewDepObject() *DepObject {
	return &DepObject{id: uuid.New()}
}

// String implements fmt.Stringer, identifying the object in logs.
func (d *DepObject) String() string {
	return fmt.Sprintf("dep[%s]", d.id.String()[:8])
}

// acquire registers instr as an accessor and returns the latches of the
// earlier accesses it must wait for.
func (d *DepObject) acquire(instr *Instruction, mode AccessMode) []*xsync.Latch {
	d.mu.Lock()
	defer d.mu.Unlock()
	var waits []*xsync.Latch
	for _, a := range d.pending {
		if mode == MutAccess || a.mode == MutAccess {
			waits = append(waits, a.instr.done)
		}
	}
	d.pending = append(d.pending, depAccess{instr: instr, mode: mode})
	return waits
}

// release drops instr from the pending set once it completed.
func (d *DepObject) release(instr *Instruction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.pending {
		if a.instr == instr {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// PendingAccesses returns the number of dispatched-but-uncompleted accesses.
func (d *DepObject) PendingAccesses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
