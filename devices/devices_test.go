package devices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrNewInterns(t *testing.T) {
	a, err := GetOrNew(CUDA, 1)
	require.NoError(t, err)
	b, err := GetOrNew(CUDA, 1)
	require.NoError(t, err)
	require.Same(t, a, b)

	c, err := GetOrNew(CUDA, 2)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.False(t, a.Equal(c))
	require.True(t, a.Equal(b))

	require.Equal(t, "cuda:1", a.String())
}

func TestGetOrNewErrors(t *testing.T) {
	_, err := GetOrNew("tpu", 0)
	require.Error(t, err)

	Register("tpu")
	d, err := GetOrNew("tpu", 0)
	require.NoError(t, err)
	require.Equal(t, Kind("tpu"), d.Kind())

	_, err = GetOrNew(CPU, -1)
	require.Error(t, err)
}

func TestMemCase(t *testing.T) {
	cpu, err := GetOrNew(CPU, 0)
	require.NoError(t, err)
	require.True(t, cpu.MemCase().Host)
	require.Equal(t, "host", cpu.MemCase().String())

	gpu, err := GetOrNew(CUDA, 3)
	require.NoError(t, err)
	mc := gpu.MemCase()
	require.False(t, mc.Host)
	require.Equal(t, CUDA, mc.Kind)
	require.Equal(t, 3, mc.Index)
	require.Equal(t, "cuda:3", mc.String())
}
