package placement

import (
	"github.com/distensor/distensor/types/shapes"
	"github.com/pkg/errors"
)

// Shape algebra between the logical view of a distributed tensor and the
// physical per-rank shards. All functions here are pure.
//
// Remainder policy for Split axes (fixed, applied symmetrically in both
// directions): the axis is partitioned into contiguous slices as evenly as
// possible, with the lower parallel ids absorbing the remainder. Rank r of a
// group of p over an extent n gets n/p+1 elements if r < n%p, else n/p.

// splitExtent applies the remainder policy for one rank.
func splitExtent(n, parallelNum, parallelID int) int {
	q, r := n/parallelNum, n%parallelNum
	if parallelID < r {
		return q + 1
	}
	return q
}

func checkSignature(shape shapes.Shape, distribution Distribution, pd *ParallelDesc) error {
	if pd == nil {
		return errors.New("nil ParallelDesc")
	}
	if !shape.Ok() {
		return errors.Errorf("invalid shape %s", shape)
	}
	if distribution.NumAxes() != shape.Rank() {
		return errors.Errorf("distribution %s has %d axes but shape %s has rank %d",
			distribution, distribution.NumAxes(), shape, shape.Rank())
	}
	return nil
}

// GetPhysicalShape returns the shard shape the member with the given parallel
// id holds for a logical tensor of the given shape under the signature.
// Broadcast and PartialSum axes pass through unchanged; Split axes follow the
// remainder policy above.
func GetPhysicalShape(logical shapes.Shape, distribution Distribution, pd *ParallelDesc, parallelID int) (shapes.Shape, error) {
	if err := checkSignature(logical, distribution, pd); err != nil {
		return shapes.Invalid(), err
	}
	if parallelID < 0 || parallelID >= pd.ParallelNum() {
		return shapes.Invalid(), errors.Errorf("parallel id %d out of range [0, %d)", parallelID, pd.ParallelNum())
	}
	physical := logical.Clone()
	for axis, entry := range distribution.entries {
		if entry.IsSplit() {
			physical.Dimensions[axis] = splitExtent(logical.Dimensions[axis], pd.ParallelNum(), parallelID)
		}
	}
	return physical, nil
}

// GetLogicalShape reconstructs the logical shape from the current rank's
// shard shape alone: split axes are multiplied by the group size, other axes
// pass through. A single shard carries no information about remainders, so
// this inversion is exact only for even splits; the promotion protocol that
// uses it therefore requires evenly divisible split axes. Uneven splits are
// reconstructed from the full shard set with CombinePhysicalShapes.
func GetLogicalShape(physical shapes.Shape, distribution Distribution, pd *ParallelDesc) (shapes.Shape, error) {
	if err := checkSignature(physical, distribution, pd); err != nil {
		return shapes.Invalid(), err
	}
	logical := physical.Clone()
	for axis, entry := range distribution.entries {
		if entry.IsSplit() {
			logical.Dimensions[axis] = physical.Dimensions[axis] * pd.ParallelNum()
		}
	}
	return logical, nil
}

// CombinePhysicalShapes reconstructs the logical shape from the full set of
// per-rank shard shapes, ordered by parallel id. Split axes are summed across
// shards; broadcast and partial-sum axes must agree on every shard.
func CombinePhysicalShapes(shards []shapes.Shape, distribution Distribution, pd *ParallelDesc) (shapes.Shape, error) {
	if pd == nil {
		return shapes.Invalid(), errors.New("nil ParallelDesc")
	}
	if len(shards) != pd.ParallelNum() {
		return shapes.Invalid(), errors.Errorf("got %d shard shapes for a group of %d members",
			len(shards), pd.ParallelNum())
	}
	first := shards[0]
	if err := checkSignature(first, distribution, pd); err != nil {
		return shapes.Invalid(), err
	}
	logical := first.Clone()
	for i, shard := range shards[1:] {
		parallelID := i + 1
		if shard.DType != first.DType {
			return shapes.Invalid(), errors.Errorf("shard %d dtype %s differs from shard 0 dtype %s",
				parallelID, shard.DType, first.DType)
		}
		if shard.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Errorf("shard %d rank %d differs from shard 0 rank %d",
				parallelID, shard.Rank(), first.Rank())
		}
		for axis, entry := range distribution.entries {
			if entry.IsSplit() {
				logical.Dimensions[axis] += shard.Dimensions[axis]
			} else if shard.Dimensions[axis] != first.Dimensions[axis] {
				return shapes.Invalid(), errors.Errorf(
					"axis %d is %s but shard %d has extent %d while shard 0 has %d",
					axis, entry, parallelID, shard.Dimensions[axis], first.Dimensions[axis])
			}
		}
	}
	return logical, nil
}
