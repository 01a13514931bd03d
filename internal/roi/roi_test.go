package roi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareMask(size int) *Raster {
	m := NewRaster(size, size)
	for i := range m.Pix {
		m.Pix[i] = 1
	}
	return m
}

func TestNewROI_AreaAndCircularityOfSquare(t *testing.T) {
	mask := squareMask(10)
	contour := Contour{{0, 0}, {9, 0}, {9, 9}, {0, 9}}
	r := New(0, 0.9, 0, Rect{X: 5, Y: 5, W: 10, H: 10}, mask, contour, nil, 0, FilterSettings{})

	assert.Equal(t, float64(100), r.Area)
	assert.Greater(t, r.Perimeter, 0.0)
	assert.True(t, r.Circularity >= 0 && r.Circularity <= 1)
}

func TestCircularityOf_ZeroPerimeterIsZero(t *testing.T) {
	assert.Equal(t, 0.0, circularityOf(100, 0))
}

func TestROI_FilterSetsValidityMonotonically(t *testing.T) {
	mask := squareMask(2) // area 4
	r := New(0, 1, 0, Rect{W: 2, H: 2}, mask, nil, nil, 0, FilterSettings{MinArea: 10})
	assert.True(t, r.Validity&ValidityTooSmall != 0)

	r.Invalidate(ValidityAtEdge)
	assert.True(t, r.Validity&ValidityTooSmall != 0, "invalidate must not clear existing bits")
	assert.True(t, r.Validity&ValidityAtEdge != 0)
}

func TestROI_ManualInvalidToggleIsReversible(t *testing.T) {
	r := New(0, 1, 0, Rect{W: 1, H: 1}, squareMask(1), nil, nil, 0, FilterSettings{})
	r.SetManualInvalid(true)
	assert.True(t, r.Validity&ValidityManuallyInvalidated != 0)
	r.SetManualInvalid(false)
	assert.False(t, r.Validity&ValidityManuallyInvalidated != 0)
}

func TestCalcIntersection_EmptyBBoxIsNotOK(t *testing.T) {
	a := New(0, 1, 0, Rect{X: 0, Y: 0, W: 5, H: 5}, squareMask(5), nil, nil, 0, FilterSettings{})
	b := New(0, 1, 0, Rect{X: 100, Y: 100, W: 5, H: 5}, squareMask(5), nil, nil, 1, FilterSettings{})

	_, ok := a.CalcIntersection(b, nil, 0.1, 2, FilterSettings{})
	assert.False(t, ok)
}

func TestCalcIntersection_OverlapAboveThreshold(t *testing.T) {
	a := New(0, 1, 0, Rect{X: 0, Y: 0, W: 10, H: 10}, squareMask(10), nil, nil, 0, FilterSettings{})
	b := New(0, 1, 0, Rect{X: 5, Y: 5, W: 10, H: 10}, squareMask(10), nil, nil, 1, FilterSettings{})

	r, ok := a.CalcIntersection(b, nil, 0.01, 2, FilterSettings{})
	require.True(t, ok)
	assert.Equal(t, int32(2), r.SelfChan)
	assert.Equal(t, float64(25), r.Area) // 5x5 overlap region
}

func TestCalcIntersection_BelowMinIntersectionFails(t *testing.T) {
	a := New(0, 1, 0, Rect{X: 0, Y: 0, W: 10, H: 10}, squareMask(10), nil, nil, 0, FilterSettings{})
	b := New(0, 1, 0, Rect{X: 9, Y: 9, W: 10, H: 10}, squareMask(10), nil, nil, 1, FilterSettings{})
	// overlap is 1x1 = 1 pixel out of area 100 -> ratio 0.01
	_, ok := a.CalcIntersection(b, nil, 0.5, 2, FilterSettings{})
	assert.False(t, ok)
}

func TestSpatialIndex_OnlySameCellCandidatesReturned(t *testing.T) {
	idx := NewSpatialIndex(10)
	idx.Register(0, Rect{X: 0, Y: 0, W: 2, H: 2})
	idx.Register(1, Rect{X: 100, Y: 100, W: 2, H: 2})

	cands := idx.CandidatesFor(Rect{X: 1, Y: 1, W: 1, H: 1})
	assert.Contains(t, cands, 0)
	assert.NotContains(t, cands, 1)
}

func TestDetectionResults_PushAssignsDenseIndices(t *testing.T) {
	d := NewDetectionResults(64)
	for i := 0; i < 3; i++ {
		d.Push(New(0, 1, 0, Rect{X: i * 10, Y: 0, W: 5, H: 5}, squareMask(5), nil, nil, 0, FilterSettings{}))
	}
	require.Equal(t, 3, d.Len())
	for i := 0; i < 3; i++ {
		assert.Equal(t, i, d.At(i).Index)
	}
}

func TestDetectionResults_CloneIsIndependent(t *testing.T) {
	d := NewDetectionResults(64)
	d.Push(New(0, 1, 0, Rect{X: 0, Y: 0, W: 5, H: 5}, squareMask(5), nil, nil, 0, FilterSettings{}))

	clone := d.Clone()
	clone.At(0).Mask.Set(0, 0, 0)

	assert.NotEqual(t, d.At(0).Mask.At(0, 0), clone.At(0).Mask.At(0, 0))
}

func TestDetectionResults_CalcIntersectionsFindsCollidingPairs(t *testing.T) {
	a := NewDetectionResults(64)
	a.Push(New(0, 1, 0, Rect{X: 0, Y: 0, W: 10, H: 10}, squareMask(10), nil, nil, 0, FilterSettings{}))

	b := NewDetectionResults(64)
	b.Push(New(0, 1, 0, Rect{X: 5, Y: 5, W: 10, H: 10}, squareMask(10), nil, nil, 1, FilterSettings{}))

	out := a.CalcIntersections(b, nil, 0.01, 2, FilterSettings{})
	require.Equal(t, 1, out.Len())
	assert.Equal(t, float64(25), out.At(0).Area)
}

func TestRaster_RetainReleaseBalance(t *testing.T) {
	r := NewRaster(1, 1)
	r.Retain()
	r.Release()
	r.Release()
	assert.Panics(t, func() { r.Release() })
}
