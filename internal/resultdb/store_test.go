package resultdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPlate(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertAnalyze(ctx, AnalyzeMeta{AnalyzeID: "a1", Name: "run1"}))
	require.NoError(t, s.UpsertPlate(ctx, PlateMeta{AnalyzeID: "a1", PlateID: 1}))
	require.NoError(t, s.UpsertGroup(ctx, GroupMeta{
		AnalyzeID: "a1", PlateID: 1, GroupID: GroupID(2, 3), WellPosX: 2, WellPosY: 3, Name: "B3",
	}))
	require.NoError(t, s.UpsertImage(ctx, ImageMeta{
		AnalyzeID: "a1", PlateID: 1, GroupID: GroupID(2, 3), ImageID: "img1", ImageIdx: 0, Width: 512, Height: 512,
	}))
	require.NoError(t, s.UpsertChannel(ctx, ChannelMeta{
		AnalyzeID: "a1", ChannelID: 0, Name: "nuclei",
		Measurements: []MeasureChannelID{NewMeasureChannelID(MeasureArea, SelfChannel)},
	}))
	require.NoError(t, s.UpsertImageChannel(ctx, ImageChannelMeta{ImageID: "img1", ChannelID: 0}))
}

func TestStore_UpsertsAndMigrateAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedPlate(t, s)
	seedPlate(t, s) // repeated upsert must not error (ON CONFLICT path)
}

func TestStore_InsertObjectsAndListObjects(t *testing.T) {
	s := newTestStore(t)
	seedPlate(t, s)
	ctx := context.Background()

	areaID := NewMeasureChannelID(MeasureArea, SelfChannel)
	require.NoError(t, s.InsertObjects(ctx, []ObjectRow{
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 1, ValueByMeasure: map[MeasureChannelID][]float64{areaID: {120}}},
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 2, ValueByMeasure: map[MeasureChannelID][]float64{areaID: {80}}},
	}))

	rows, err := s.ListObjects(ctx, "img1", 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 120.0, rows[0].Values[areaID])
	require.Equal(t, 80.0, rows[1].Values[areaID])
}

func TestStore_PlateHeatmapAveragesPerWell(t *testing.T) {
	s := newTestStore(t)
	seedPlate(t, s)
	ctx := context.Background()

	areaID := NewMeasureChannelID(MeasureArea, SelfChannel)
	require.NoError(t, s.InsertObjects(ctx, []ObjectRow{
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 1, ValueByMeasure: map[MeasureChannelID][]float64{areaID: {100}}},
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 2, ValueByMeasure: map[MeasureChannelID][]float64{areaID: {200}}},
	}))

	cells, err := s.PlateHeatmap(ctx, "a1", 1, areaID)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.Equal(t, uint8(2), cells[0].WellPosX)
	require.Equal(t, uint8(3), cells[0].WellPosY)
	require.InDelta(t, 150.0, cells[0].Value, 0.0001)
	require.Equal(t, int64(2), cells[0].Count)
}

func TestStore_PlateHeatmapExcludesInvalidatedImageChannel(t *testing.T) {
	s := newTestStore(t)
	seedPlate(t, s)
	ctx := context.Background()

	areaID := NewMeasureChannelID(MeasureArea, SelfChannel)
	require.NoError(t, s.InsertObjects(ctx, []ObjectRow{
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 1, ValueByMeasure: map[MeasureChannelID][]float64{areaID: {100}}},
	}))
	require.NoError(t, s.UpsertImageChannel(ctx, ImageChannelMeta{ImageID: "img1", ChannelID: 0, InvalidateAll: true}))

	cells, err := s.PlateHeatmap(ctx, "a1", 1, areaID)
	require.NoError(t, err)
	require.Empty(t, cells)
}

func TestStore_SetManualOutSortedTogglesBit(t *testing.T) {
	s := newTestStore(t)
	seedPlate(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetManualOutSorted(ctx, "img1", 0, true))
	var bits uint32
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT validity_bits FROM image_channel WHERE image_id = ? AND channel_id = ?`, "img1", 0).Scan(&bits))
	require.Equal(t, uint32(1<<1), bits)

	require.NoError(t, s.SetManualOutSorted(ctx, "img1", 0, false))
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT validity_bits FROM image_channel WHERE image_id = ? AND channel_id = ?`, "img1", 0).Scan(&bits))
	require.Equal(t, uint32(0), bits)
}
