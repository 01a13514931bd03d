package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/roi"
)

func flat(w, h int, v uint16) *roi.Raster {
	r := roi.NewRaster(w, h)
	for i := range r.Pix {
		r.Pix[i] = v
	}
	return r
}

func TestZProject_MaxIntensityTakesMax(t *testing.T) {
	a := flat(4, 4, 10)
	b := flat(4, 4, 50)
	op := ZProject{Method: ZProjectMaxIntensity, Planes: []*roi.Raster{b}}
	out, err := op.Apply(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), out.At(0, 0))
}

func TestZProject_NoneIsIdentity(t *testing.T) {
	a := flat(4, 4, 10)
	op := ZProject{Method: ZProjectNone}
	out, err := op.Apply(a)
	require.NoError(t, err)
	assert.Same(t, a, out)
}

func TestSubtractChannel_Saturates(t *testing.T) {
	a := flat(2, 2, 5)
	b := flat(2, 2, 10)
	op := SubtractChannel{Other: b}
	out, err := op.Apply(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), out.At(0, 0))
}

func TestBlur_FlatImageUnchanged(t *testing.T) {
	a := flat(8, 8, 100)
	op := Blur{Kernel: 2}
	out, err := op.Apply(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), out.At(4, 4))
}

func TestChain_RunsInOrder(t *testing.T) {
	a := flat(6, 6, 100)
	c := Chain{Ops: []Operator{Blur{Kernel: 1}, SubtractChannel{Other: flat(6, 6, 10)}}}
	out, err := c.Run(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(90), out.At(3, 3))
}

func TestMedianSubtract_FlatImageIsZero(t *testing.T) {
	a := flat(6, 6, 42)
	op := MedianSubtract{Kernel: 1}
	out, err := op.Apply(a)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), out.At(3, 3))
}
