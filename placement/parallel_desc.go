package placement

import (
	"fmt"
	"strings"

	"github.com/distensor/distensor/devices"
	"github.com/pkg/errors"
)

// RankDevice is one member of a parallel group: a device index on a machine.
type RankDevice struct {
	MachineID   int
	DeviceIndex int
}

// ParallelDesc identifies the device group a distributed tensor lives on:
// a device kind plus an ordered set of (machine, device) pairs. The position
// of a pair in the list is that member's parallel id.
//
// ParallelDesc is immutable after construction.
type ParallelDesc struct {
	kind  devices.Kind
	ranks []RankDevice
	index map[RankDevice]int
}

// NewParallelDesc builds a ParallelDesc over the given members. The member
// order is meaningful: it fixes each member's parallel id. Duplicate members
// and empty groups are rejected.
func NewParallelDesc(kind devices.Kind, ranks []RankDevice) (*ParallelDesc, error) {
	if len(ranks) == 0 {
		return nil, errors.New("parallel group must have at least one member")
	}
	index := make(map[RankDevice]int, len(ranks))
	for i, r := range ranks {
		if r.MachineID < 0 || r.DeviceIndex < 0 {
			return nil, errors.Errorf("parallel group member %d has negative machine/device (%d, %d)",
				i, r.MachineID, r.DeviceIndex)
		}
		if prev, dup := index[r]; dup {
			return nil, errors.Errorf("parallel group members %d and %d are both (machine %d, device %d)",
				prev, i, r.MachineID, r.DeviceIndex)
		}
		index[r] = i
	}
	pd := &ParallelDesc{kind: kind, ranks: append([]RankDevice(nil), ranks...), index: index}
	return pd, nil
}

// Range1D is a convenience constructor for a single-machine group over
// devices [0, parallelNum).
func Range1D(kind devices.Kind, parallelNum int) (*ParallelDesc, error) {
	if parallelNum <= 0 {
		return nil, errors.Errorf("parallel num must be positive, got %d", parallelNum)
	}
	ranks := make([]RankDevice, parallelNum)
	for i := range ranks {
		ranks[i] = RankDevice{MachineID: 0, DeviceIndex: i}
	}
	return NewParallelDesc(kind, ranks)
}

// DeviceKind of every device in the group.
func (pd *ParallelDesc) DeviceKind() devices.Kind { return pd.kind }

// ParallelNum is the number of members in the group.
func (pd *ParallelDesc) ParallelNum() int { return len(pd.ranks) }

// Member returns the (machine, device) pair with the given parallel id.
func (pd *ParallelDesc) Member(parallelID int) (RankDevice, error) {
	if parallelID < 0 || parallelID >= len(pd.ranks) {
		return RankDevice{}, errors.Errorf("parallel id %d out of range [0, %d)", parallelID, len(pd.ranks))
	}
	return pd.ranks[parallelID], nil
}

// ParallelID returns the parallel id of the given member, or ok=false if the
// member is not part of the group.
func (pd *ParallelDesc) ParallelID(member RankDevice) (parallelID int, ok bool) {
	parallelID, ok = pd.index[member]
	return
}

// GetDevice4CurrentProcessCtx returns the device the current process drives
// within this group and its parallel id. If the current process is not a
// member of the group it returns (nil, -1, nil): absence is a queryable
// state, not an error.
func (pd *ParallelDesc) GetDevice4CurrentProcessCtx(ctx *ProcessCtx) (*devices.Device, int, error) {
	if ctx == nil {
		return nil, -1, errors.New("nil ProcessCtx")
	}
	member := RankDevice{MachineID: ctx.MachineID(), DeviceIndex: ctx.DeviceIndex()}
	parallelID, ok := pd.index[member]
	if !ok {
		return nil, -1, nil
	}
	device, err := devices.GetOrNew(pd.kind, member.DeviceIndex)
	if err != nil {
		return nil, -1, errors.Wrapf(err, "parallel group %s", pd)
	}
	return device, parallelID, nil
}

// Equal compares two parallel descriptions: kind and the ordered member list.
func (pd *ParallelDesc) Equal(other *ParallelDesc) bool {
	if pd == other {
		return true
	}
	if pd == nil || other == nil || pd.kind != other.kind || len(pd.ranks) != len(other.ranks) {
		return false
	}
	for i, r := range pd.ranks {
		if other.ranks[i] != r {
			return false
		}
	}
	return true
}

// CanonicalKey returns a compact string uniquely identifying the group,
// used as a map key by the metadata symbol tables.
func (pd *ParallelDesc) CanonicalKey() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%s|", pd.kind)
	for _, r := range pd.ranks {
		_, _ = fmt.Fprintf(&b, "%d:%d,", r.MachineID, r.DeviceIndex)
	}
	return b.String()
}

// String implements fmt.Stringer, e.g. "cuda@{0:0,0:1}".
func (pd *ParallelDesc) String() string {
	parts := make([]string, 0, len(pd.ranks))
	for _, r := range pd.ranks {
		parts = append(parts, fmt.Sprintf("%d:%d", r.MachineID, r.DeviceIndex))
	}
	return fmt.Sprintf("%s@{%s}", pd.kind, strings.Join(parts, ","))
}
