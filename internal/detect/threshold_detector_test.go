package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/roi"
)

func blob(w, h, bx, by, bw, bh int, v uint16) *roi.Raster {
	r := roi.NewRaster(w, h)
	for y := by; y < by+bh; y++ {
		for x := bx; x < bx+bw; x++ {
			r.Set(x, y, v)
		}
	}
	return r
}

func TestThresholdDetector_ManualModeFindsOneBlob(t *testing.T) {
	src := blob(20, 20, 5, 5, 8, 8, 1000)
	d := NewThresholdDetector(ThresholdConfig{Mode: ThresholdManual, MinValue: 500})

	resp, err := d.Forward(src, src, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Results.Len())
	assert.Equal(t, float64(64), resp.Results.At(0).Area)
}

func TestThresholdDetector_SafetyValveOnTooManyContours(t *testing.T) {
	// A checkerboard pattern produces a huge number of 1px components.
	src := roi.NewRaster(512, 512)
	for y := 0; y < 512; y++ {
		for x := 0; x < 512; x++ {
			if (x+y)%2 == 0 {
				src.Set(x, y, 1000)
			}
		}
	}
	d := NewThresholdDetector(ThresholdConfig{Mode: ThresholdManual, MinValue: 500})
	resp, err := d.Forward(src, src, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Results.Len())
	assert.True(t, resp.Validity&ResponsePossibleNoise != 0)
}

func TestComputeThreshold_OtsuSeparatesTwoClusters(t *testing.T) {
	pix := make([]uint16, 0, 200)
	for i := 0; i < 100; i++ {
		pix = append(pix, 100)
	}
	for i := 0; i < 100; i++ {
		pix = append(pix, 50000)
	}
	cut := ComputeThreshold(pix, ThresholdOtsu, 0)
	assert.Greater(t, cut, uint16(100))
	assert.Less(t, cut, uint16(50000))
}

func TestComputeThreshold_ManualReturnsMinValue(t *testing.T) {
	cut := ComputeThreshold([]uint16{1, 2, 3}, ThresholdManual, 777)
	assert.Equal(t, uint16(777), cut)
}

func TestIouRect(t *testing.T) {
	a := roi.Rect{X: 0, Y: 0, W: 10, H: 10}
	b := roi.Rect{X: 5, Y: 5, W: 10, H: 10}
	got := iouRect(a, b)
	assert.InDelta(t, 25.0/175.0, got, 1e-4)
}

func TestProtoCoord_ClampsToGridBounds(t *testing.T) {
	assert.Equal(t, 0, protoCoord(-5, 1, 0, 160))
	assert.Equal(t, 159, protoCoord(10000, 1, 0, 160))
	assert.Equal(t, 25, protoCoord(100, 1, 0, 160))
}

func TestSigmoid_MonotonicAroundZero(t *testing.T) {
	assert.InDelta(t, 0.5, sigmoid(0), 1e-6)
	assert.Greater(t, sigmoid(5), float32(0.5))
	assert.Less(t, sigmoid(-5), float32(0.5))
}
