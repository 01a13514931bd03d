package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/roi"
)

func square(w, h, bx, by, bw, bh int) *roi.Raster {
	r := roi.NewRaster(w, h)
	for y := by; y < by+bh; y++ {
		for x := bx; x < bx+bw; x++ {
			r.Set(x, y, 1000)
		}
	}
	return r
}

func squareMask(size int) *roi.Raster {
	m := roi.NewRaster(size, size)
	for i := range m.Pix {
		m.Pix[i] = 1
	}
	return m
}

func TestIntersectionStep_ProducesResultInSelfChannel(t *testing.T) {
	a := roi.NewDetectionResults(64)
	a.Push(roi.New(0, 1, 0, roi.Rect{X: 0, Y: 0, W: 10, H: 10}, squareMask(10), nil, nil, 0, roi.FilterSettings{}))
	b := roi.NewDetectionResults(64)
	b.Push(roi.New(0, 1, 0, roi.Rect{X: 5, Y: 5, W: 10, H: 10}, squareMask(10), nil, nil, 1, roi.FilterSettings{}))

	responses := ResponseMap{
		0: {Results: a, Original: roi.NewRaster(20, 20)},
		1: {Results: b, Original: roi.NewRaster(20, 20)},
	}

	step := IntersectionStep{SelfChannel: 2, SourceChannels: []int32{0, 1}, MinIntersectionRatio: 0.01}
	step.Run(responses)

	require.Contains(t, responses, int32(2))
	assert.Equal(t, 1, responses[2].Results.Len())
}

func TestVoronoiStep_OneCellPerSeed(t *testing.T) {
	pts := roi.NewDetectionResults(64)
	pts.Push(roi.New(0, 1, 0, roi.Rect{X: 2, Y: 2, W: 1, H: 1}, squareMask(1), nil, nil, 0, roi.FilterSettings{}))
	pts.Push(roi.New(0, 1, 0, roi.Rect{X: 18, Y: 18, W: 1, H: 1}, squareMask(1), nil, nil, 0, roi.FilterSettings{}))

	responses := ResponseMap{
		0: {Results: pts, Original: roi.NewRaster(20, 20)},
	}

	step := VoronoiStep{PointsFromChannel: 0, SelfChannel: 3, MaxRadius: 0}
	step.Run(responses)

	require.Contains(t, responses, int32(3))
	assert.Equal(t, 2, responses[3].Results.Len())
}

func TestVoronoiStep_MaxRadiusClipsCells(t *testing.T) {
	pts := roi.NewDetectionResults(64)
	pts.Push(roi.New(0, 1, 0, roi.Rect{X: 10, Y: 10, W: 1, H: 1}, squareMask(1), nil, nil, 0, roi.FilterSettings{}))

	responses := ResponseMap{
		0: {Results: pts, Original: roi.NewRaster(20, 20)},
	}

	step := VoronoiStep{PointsFromChannel: 0, SelfChannel: 3, MaxRadius: 3}
	step.Run(responses)

	require.Contains(t, responses, int32(3))
	require.Equal(t, 1, responses[3].Results.Len())
	// disc of radius 3 around a single point covers far fewer than 400 px
	assert.Less(t, responses[3].Results.At(0).Area, float64(60))
}
