package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))

	// Zero-extent axes are valid and yield size 0: an empty shard.
	shape2 := Make(dtypes.Int32, 0, 5)
	require.True(t, shape2.Ok())
	require.Equal(t, 0, shape2.Size())

	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndHash(t *testing.T) {
	a := Make(dtypes.Float32, 8, 4)
	b := Make(dtypes.Float32, 8, 4)
	c := Make(dtypes.Float64, 8, 4)
	d := Make(dtypes.Float32, 8, 5)

	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, a.CanonicalKey(), b.CanonicalKey())

	require.False(t, a.Equal(c))
	require.True(t, a.EqualDimensions(c))
	require.False(t, a.Equal(d))
	require.NotEqual(t, a.CanonicalKey(), d.CanonicalKey())
}

func TestClone(t *testing.T) {
	a := Make(dtypes.Int64, 2, 3)
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Dimensions[0] = 7
	require.Equal(t, 2, a.Dimensions[0])
}
