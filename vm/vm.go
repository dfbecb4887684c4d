// Package vm implements the asynchronous instruction execution core.
//
// Callers describe device-side work as instructions through an
// InstructionsBuilder and hand them to the core with PhysicalRun, which
// enqueues and returns: execution happens on one goroutine-backed stream per
// device, concurrently with the caller. Instructions on one stream run in
// enqueue order; instructions touching the same shared object (see
// DepObject) are ordered across streams by their declared access modes.
//
// Failure model: a precondition violated while building or dispatching an
// instruction surfaces immediately as an error to the caller, who can
// recover. A failure inside an already-running instruction body is fatal to
// the process: device-side execution has no defined partial-failure recovery.
package vm

import (
	"context"
	"sync"

	"github.com/distensor/distensor/devices"
	"github.com/distensor/distensor/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const defaultQueueDepth = 1024

// VirtualMachine executes instructions asynchronously, one FIFO stream per
// device. Create one with New, dispatch work through PhysicalRun, and stop it
// with Finalize.
type VirtualMachine struct {
	mu        sync.Mutex
	streams   map[*devices.Device]*stream
	finalized bool

	// inFlight counts dispatches between the finalized check and the queue
	// send, which happens outside mu. Finalize waits for it before closing
	// queues so a concurrent dispatch never sends on a closed channel.
	inFlight sync.WaitGroup

	queueDepth int
	pending    *xsync.BlockingCounter

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a VirtualMachine.
type Option func(*VirtualMachine)

// WithQueueDepth sets the per-device queue capacity. Dispatch blocks for
// admission when a stream's queue is full.
func WithQueueDepth(depth int) Option {
	return func(machine *VirtualMachine) {
		if depth > 0 {
			machine.queueDepth = depth
		}
	}
}

// New returns a running VirtualMachine. Streams are created lazily, on first
// dispatch to each device.
func New(options ...Option) *VirtualMachine {
	machine := &VirtualMachine{
		streams:    make(map[*devices.Device]*stream),
		queueDepth: defaultQueueDepth,
		pending:    xsync.NewBlockingCounter(0),
	}
	machine.ctx, machine.cancel = context.WithCancel(context.Background())
	for _, option := range options {
		option(machine)
	}
	return machine
}

// stream is one device's in-order execution queue.
type stream struct {
	device *devices.Device
	queue  chan *Instruction
	exited chan struct{}
}

func (s *stream) loop(machine *VirtualMachine) {
	defer close(s.exited)
	for instr := range s.queue {
		// Head-of-line waiting keeps per-stream program order while
		// honoring cross-stream operand dependencies.
		for _, w := range instr.waits {
			w.Wait()
		}
		if err := instr.body(machine.ctx); err != nil {
			// No rollback or retry: device state after a partial
			// execution is undefined.
			klog.Fatalf("vm: %s instruction failed on %s: %+v", instr.opcode, s.device, err)
		}
		for _, operand := range instr.operands {
			operand.Dep.release(instr)
		}
		instr.done.Trigger()
		machine.pending.Decrease()
		klog.V(2).Infof("vm: completed %s on %s", instr.opcode, s.device)
	}
}

// dispatch validates instr, acquires its operand dependencies, and enqueues
// it on its device stream. Called in program order by PhysicalRun.
func (machine *VirtualMachine) dispatch(instr *Instruction) error {
	if instr.device == nil {
		return errors.Errorf("instruction %s has no device", instr.opcode)
	}
	if instr.body == nil {
		return errors.Errorf("instruction %s has no body", instr.opcode)
	}

	machine.mu.Lock()
	if machine.finalized {
		machine.mu.Unlock()
		return errors.Errorf("VirtualMachine is finalized, cannot dispatch %s", instr.opcode)
	}
	// Operand acquisition must happen in dispatch order: it is what makes
	// the wait-for graph acyclic (see DepObject).
	for _, operand := range instr.operands {
		if operand.Dep == nil {
			machine.mu.Unlock()
			return errors.Errorf("instruction %s has a nil operand dependency", instr.opcode)
		}
		instr.waits = append(instr.waits, operand.Dep.acquire(instr, operand.Mode)...)
	}
	s, found := machine.streams[instr.device]
	if !found {
		s = &stream{
			device: instr.device,
			queue:  make(chan *Instruction, machine.queueDepth),
			exited: make(chan struct{}),
		}
		machine.streams[instr.device] = s
		go s.loop(machine)
		klog.V(1).Infof("vm: started stream for %s", instr.device)
	}
	machine.pending.Increase(1)
	machine.inFlight.Add(1)
	machine.mu.Unlock()

	s.queue <- instr
	machine.inFlight.Done()
	klog.V(2).Infof("vm: dispatched %s to %s", instr.opcode, instr.device)
	return nil
}

// Sync blocks until every instruction dispatched so far has completed.
func (machine *VirtualMachine) Sync() {
	machine.pending.WaitUntilZero()
}

// Finalize stops accepting new instructions, drains every stream and waits
// for the stream goroutines to exit. It is idempotent and safe to call while
// other goroutines dispatch: their PhysicalRun either completes or fails
// with a finalized error.
func (machine *VirtualMachine) Finalize() {
	machine.mu.Lock()
	if machine.finalized {
		machine.mu.Unlock()
		return
	}
	machine.finalized = true
	streams := make([]*stream, 0, len(machine.streams))
	for _, s := range machine.streams {
		streams = append(streams, s)
	}
	machine.mu.Unlock()

	// Dispatches that passed the finalized check may still be sending.
	machine.inFlight.Wait()
	for _, s := range streams {
		close(s.queue)
	}
	for _, s := range streams {
		<-s.exited
	}
	machine.cancel()
	klog.V(1).Infof("vm: finalized (%d streams)", len(streams))
}
