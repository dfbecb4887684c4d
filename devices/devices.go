// Package devices defines Device, the value type identifying one compute
// target (a device kind plus an index on its machine), and MemoryCase,
// the descriptor of where a buffer lives.
//
// Devices are interned: GetOrNew returns the same *Device pointer for the
// same kind/index pair, so devices compare by pointer identity and can be
// used as map keys.
package devices

import (
	"fmt"

	"github.com/distensor/distensor/types/xsync"
	"github.com/pkg/errors"
)

// Kind of a device, e.g. "cpu" or "cuda".
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

var registeredKinds = xsync.SyncMap[Kind, bool]{}

func init() {
	Register(CPU)
	Register(CUDA)
}

// Register makes a device kind known. CPU and CUDA are pre-registered;
// call Register during package initialization to add others.
func Register(kind Kind) {
	registeredKinds.Store(kind, true)
}

// Device identifies one compute target. Always obtained from GetOrNew, so
// two devices with the same kind and index are the same pointer.
type Device struct {
	kind  Kind
	index int
}

type deviceKey struct {
	kind  Kind
	index int
}

var interned = xsync.SyncMap[deviceKey, *Device]{}

// GetOrNew returns the interned Device for the given kind and index,
// creating it on first use. It fails on an unregistered kind or a negative
// index.
func GetOrNew(kind Kind, index int) (*Device, error) {
	if _, ok := registeredKinds.Load(kind); !ok {
		return nil, errors.Errorf("unknown device kind %q", kind)
	}
	if index < 0 {
		return nil, errors.Errorf("negative device index %d for kind %q", index, kind)
	}
	d, _ := interned.LoadOrStore(deviceKey{kind: kind, index: index}, &Device{kind: kind, index: index})
	return d, nil
}

// Kind returns the device kind.
func (d *Device) Kind() Kind { return d.kind }

// Index returns the device index on its machine.
func (d *Device) Index() int { return d.index }

// String implements fmt.Stringer, e.g. "cuda:0".
func (d *Device) String() string {
	return fmt.Sprintf("%s:%d", d.kind, d.index)
}

// Equal reports whether two devices identify the same compute target.
// Interning makes this equivalent to pointer equality.
func (d *Device) Equal(other *Device) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}
	return d.kind == other.kind && d.index == other.index
}

// MemoryCase describes where a buffer's bytes live: host memory or the
// memory of a particular device.
type MemoryCase struct {
	// Host is true for pageable host memory; then Kind/Index are ignored.
	Host  bool
	Kind  Kind
	Index int
}

// MemCase returns the MemoryCase for buffers resident on this device.
func (d *Device) MemCase() MemoryCase {
	if d.kind == CPU {
		return MemoryCase{Host: true}
	}
	return MemoryCase{Kind: d.kind, Index: d.index}
}

// String implements fmt.Stringer.
func (m MemoryCase) String() string {
	if m.Host {
		return "host"
	}
	return fmt.Sprintf("%s:%d", m.Kind, m.Index)
}
