// Package shapes defines Shape, the value type describing a tensor's geometry
// and element type.
//
// A Shape is an ordered sequence of non-negative dimension extents plus a
// DType, the data type of the unit element. DTypes come from
// github.com/gomlx/gopjrt/dtypes (float16 support via github.com/x448/float16).
//
// Glossary:
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. We use "axis" for the index and
//     "dimension" for its size.
//   - Scalar: a shape with no axes, a single value of the associated DType.
//
// Zero-extent axes are valid: a rank of a distributed tensor may own an empty
// shard when a split axis has fewer elements than there are ranks.
package shapes

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor: its element DType and the extents
// of its axes. It is a value type: pass it by value, compare it with Equal.
//
// Use Make to create one. The zero Shape is invalid (Ok returns false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// HasShape is implemented by anything that can report its Shape.
// Shape itself implements it.
type HasShape interface {
	Shape() Shape
}

// Make returns a Shape with the given dtype and dimensions.
// Negative dimensions are invalid and panic: they indicate a programming
// error, never a data-dependent condition. Zero dimensions are allowed.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis counts from the
// end, so Dim(-1) is the last axis. Panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Shape returns a shallow copy of itself. It implements HasShape.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-printing the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape, the
// product of all dimensions. A shape with any zero-extent axis has size 0.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a flat array of the given shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares only the dimensions of two shapes, dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Hash returns a hash of the shape, consistent with Equal.
func (s Shape) Hash() uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:", s.DType)
	for _, d := range s.Dimensions {
		_, _ = fmt.Fprintf(h, "%d,", d)
	}
	return h.Sum64()
}

// CanonicalKey returns a compact string uniquely identifying dtype+dimensions.
// It is used as a map key by the metadata symbol tables.
func (s Shape) CanonicalKey() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%d:", int32(s.DType))
	for _, d := range s.Dimensions {
		_, _ = fmt.Fprintf(&b, "%d,", d)
	}
	return b.String()
}
