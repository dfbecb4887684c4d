package placement

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SbpKind says how one tensor axis relates to the parallel group.
type SbpKind uint8

const (
	// SplitKind: the axis's extent is partitioned among the group members,
	// each member holding one contiguous slice.
	SplitKind SbpKind = iota
	// BroadcastKind: every member holds the full extent with identical data.
	BroadcastKind
	// PartialSumKind: every member holds the full extent; the logical value
	// is the elementwise sum of the members' values.
	PartialSumKind
)

// String implements fmt.Stringer.
func (k SbpKind) String() string {
	switch k {
	case SplitKind:
		return "S"
	case BroadcastKind:
		return "B"
	case PartialSumKind:
		return "P"
	}
	return fmt.Sprintf("SbpKind(%d)", int(k))
}

// Sbp is one entry of a Distribution: the placement of a single tensor axis.
// Build entries with Split, Broadcast and PartialSum.
type Sbp struct {
	kind SbpKind
	axis int
}

// Split returns the entry marking the given tensor axis as partitioned
// across the group. The entry must sit at position axis in the Distribution.
func Split(axis int) Sbp { return Sbp{kind: SplitKind, axis: axis} }

// Broadcast returns the entry marking an axis as duplicated on every member.
func Broadcast() Sbp { return Sbp{kind: BroadcastKind} }

// PartialSum returns the entry marking an axis as partially accumulated:
// members hold addends of the logical value.
func PartialSum() Sbp { return Sbp{kind: PartialSumKind} }

// Kind of the entry.
func (s Sbp) Kind() SbpKind { return s.kind }

// IsSplit reports whether the entry is a Split.
func (s Sbp) IsSplit() bool { return s.kind == SplitKind }

// SplitAxis returns the axis of a Split entry; undefined for other kinds.
func (s Sbp) SplitAxis() int { return s.axis }

// String implements fmt.Stringer: "S(0)", "B" or "P".
func (s Sbp) String() string {
	if s.kind == SplitKind {
		return fmt.Sprintf("S(%d)", s.axis)
	}
	return s.kind.String()
}

// Distribution is the SBP signature of a distributed tensor: one entry per
// tensor axis describing how that axis maps onto the parallel group.
//
// Over a flat (1-D) parallel group at most one axis may be split; the group
// has only one way to partition data, so a second split axis would
// over-divide the tensor.
//
// Distribution is immutable after construction.
type Distribution struct {
	entries []Sbp
}

// NewDistribution validates and builds a Distribution from per-axis entries.
// A Split entry must be positioned at the axis it names.
func NewDistribution(entries ...Sbp) (Distribution, error) {
	splits := 0
	for i, e := range entries {
		if !e.IsSplit() {
			continue
		}
		if e.SplitAxis() != i {
			return Distribution{}, errors.Errorf(
				"distribution entry %d is %s: a split entry must sit at the axis it names", i, e)
		}
		splits++
	}
	if splits > 1 {
		return Distribution{}, errors.Errorf(
			"distribution %v has %d split axes: a flat parallel group supports at most one", entries, splits)
	}
	return Distribution{entries: append([]Sbp(nil), entries...)}, nil
}

// BroadcastOnly returns the Distribution duplicating all numAxes axes.
func BroadcastOnly(numAxes int) Distribution {
	entries := make([]Sbp, numAxes)
	for i := range entries {
		entries[i] = Broadcast()
	}
	return Distribution{entries: entries}
}

// NumAxes returns the number of tensor axes the signature covers.
func (d Distribution) NumAxes() int { return len(d.entries) }

// At returns the entry for the given axis.
func (d Distribution) At(axis int) Sbp { return d.entries[axis] }

// Equal compares two signatures entry-wise.
func (d Distribution) Equal(other Distribution) bool {
	if len(d.entries) != len(other.entries) {
		return false
	}
	for i, e := range d.entries {
		if other.entries[i] != e {
			return false
		}
	}
	return true
}

// CanonicalKey returns a compact string uniquely identifying the signature,
// used as a map key by the metadata symbol tables.
func (d Distribution) CanonicalKey() string { return d.String() }

// String implements fmt.Stringer, e.g. "[S(0),B]".
func (d Distribution) String() string {
	parts := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		parts = append(parts, e.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
