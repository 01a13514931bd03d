package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/resultdb"
	"github.com/joda/imagec/internal/roi"
	"github.com/joda/imagec/internal/settings"
)

func TestWellPositionOf_DefaultRegexMatchesRowLetterColumnNumber(t *testing.T) {
	x, y := wellPositionOf("/scan/plate1_A10_s1.tif", settings.PlateLayout{})
	assert.Equal(t, uint8(9), x)
	assert.Equal(t, uint8(0), y)
}

func TestWellPositionOf_UnmatchedNameReturnsZero(t *testing.T) {
	x, y := wellPositionOf("/scan/noise.tif", settings.PlateLayout{})
	assert.Equal(t, uint8(0), x)
	assert.Equal(t, uint8(0), y)
}

func TestWellPositionOf_CustomLayoutRegexOverridesDefault(t *testing.T) {
	x, y := wellPositionOf("/scan/well-C05.tif", settings.PlateLayout{FilenameRegex: `well-([A-Z])(\d{2})`})
	assert.Equal(t, uint8(4), x)
	assert.Equal(t, uint8(2), y)
}

func TestWellPositionOf_InvalidCustomRegexFallsBackToDefault(t *testing.T) {
	x, y := wellPositionOf("/scan/plate_B02.tif", settings.PlateLayout{FilenameRegex: "(["})
	assert.Equal(t, uint8(1), x)
	assert.Equal(t, uint8(1), y)
}

func TestImageIDOf_StripsExtensionAndAppendsIndex(t *testing.T) {
	assert.Equal(t, "plate1_A10_s1_3", imageIDOf("/scan/plate1_A10_s1.tif", 3))
}

func TestMeasuresOf_IncludesSelfSetPlusOneCrossEntryPerRef(t *testing.T) {
	ch := settings.ChannelSettings{
		ChannelIndex: 0,
		IntensityRefs: []settings.CrossChannelRef{{SourceChannelIndex: 1}},
		CountRefs:     []settings.CrossChannelRef{{SourceChannelIndex: 2}},
	}
	measures := measuresOf(ch)

	assert.Contains(t, measures, resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel))
	assert.Contains(t, measures, resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityAvg, 1))
	assert.Contains(t, measures, resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMin, 1))
	assert.Contains(t, measures, resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMax, 1))
	assert.Contains(t, measures, resultdb.NewMeasureChannelID(resultdb.MeasureCrossChannelCount, 2))
	assert.Len(t, measures, 11+3+1)
}

func TestValuesOf_PacksGeometryIntensityAndCrossChannelMeasures(t *testing.T) {
	r := &roi.ROI{
		Index:       1,
		Confidence:  0.9,
		Area:        100,
		Perimeter:   40,
		Circularity: 0.8,
		CenterX:     12,
		CenterY:     34,
		BBox:        roi.Rect{W: 10, H: 10},
		Intensity:   roi.ChannelStat{Avg: 50, Min: 10, Max: 90},
		CrossIntensity: map[int32]roi.ChannelStat{
			2: {Avg: 5, Min: 1, Max: 9},
		},
		CrossCount: map[int32]int{2: 7},
	}

	values := valuesOf(r, 0)

	area := resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel)
	require.Contains(t, values, area)
	assert.Equal(t, []float64{100}, values[area])

	crossAvg := resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityAvg, 2)
	require.Contains(t, values, crossAvg)
	assert.Equal(t, []float64{5}, values[crossAvg])

	crossCount := resultdb.NewMeasureChannelID(resultdb.MeasureCrossChannelCount, 2)
	require.Contains(t, values, crossCount)
	assert.Equal(t, []float64{7}, values[crossCount])
}

func TestJobRun_IsReferenceChannel(t *testing.T) {
	r := &jobRun{settings: &settings.AnalyzeSettings{
		Channels: []settings.ChannelSettings{
			{ChannelIndex: 0, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: 1}},
			{ChannelIndex: 1, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}},
			{ChannelIndex: 2, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}, IntensityRefs: []settings.CrossChannelRef{{SourceChannelIndex: 3}}},
			{ChannelIndex: 3, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}},
			{ChannelIndex: 4, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}, CountRefs: []settings.CrossChannelRef{{SourceChannelIndex: 5}}},
			{ChannelIndex: 5, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}},
			{ChannelIndex: 6, Filter: settings.ChannelFilter{ReferenceSpotChannelIndex: -1}},
		},
		Pipeline: settings.PipelineSteps{
			Intersections: []settings.IntersectionStep{{SelfChannel: 10, SourceChannels: []int32{6}}},
		},
	}}

	assert.True(t, r.isReferenceChannel(1))
	assert.True(t, r.isReferenceChannel(3))
	assert.True(t, r.isReferenceChannel(5))
	assert.True(t, r.isReferenceChannel(6))
	assert.False(t, r.isReferenceChannel(0))
	assert.False(t, r.isReferenceChannel(99))
}

func TestTileCoordinator_LastStoreReturnsFullSnapshot(t *testing.T) {
	tc := newTileCoordinator([]int32{0, 1})

	last, snap := tc.store(0, &detect.Response{})
	assert.False(t, last)
	assert.Nil(t, snap)

	last, snap = tc.store(1, &detect.Response{})
	assert.True(t, last)
	assert.Len(t, snap, 2)
}

func TestTileCoordinator_AwaitBlocksUntilStoreThenReturnsResponse(t *testing.T) {
	tc := newTileCoordinator([]int32{0, 1})
	want := &detect.Response{}

	done := make(chan struct{})
	var got *detect.Response
	var ok bool
	go func() {
		got, ok = tc.await(context.Background(), 0)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	tc.store(0, want)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("await did not return after store")
	}
	assert.True(t, ok)
	assert.Same(t, want, got)
}

func TestTileCoordinator_AwaitUnknownChannelReturnsFalseImmediately(t *testing.T) {
	tc := newTileCoordinator([]int32{0})
	resp, ok := tc.await(context.Background(), 99)
	assert.Nil(t, resp)
	assert.False(t, ok)
}

func TestTileCoordinator_AwaitReturnsFalseOnContextCancellation(t *testing.T) {
	tc := newTileCoordinator([]int32{0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, ok := tc.await(ctx, 0)
	assert.Nil(t, resp)
	assert.False(t, ok)
}
