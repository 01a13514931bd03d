package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/resultdb"
)

func seedStore(t *testing.T) *resultdb.Store {
	t.Helper()
	ctx := context.Background()
	store, err := resultdb.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertAnalyze(ctx, resultdb.AnalyzeMeta{AnalyzeID: "a1"}))
	require.NoError(t, store.UpsertPlate(ctx, resultdb.PlateMeta{AnalyzeID: "a1", PlateID: 1}))
	require.NoError(t, store.UpsertGroup(ctx, resultdb.GroupMeta{AnalyzeID: "a1", PlateID: 1, GroupID: resultdb.GroupID(2, 3), WellPosX: 2, WellPosY: 3}))
	require.NoError(t, store.UpsertImage(ctx, resultdb.ImageMeta{
		AnalyzeID: "a1", PlateID: 1, GroupID: resultdb.GroupID(2, 3), ImageID: "img1", ImageIdx: 0,
	}))
	require.NoError(t, store.UpsertChannel(ctx, resultdb.ChannelMeta{AnalyzeID: "a1", ChannelID: 0}))
	require.NoError(t, store.UpsertImageChannel(ctx, resultdb.ImageChannelMeta{ImageID: "img1", ChannelID: 0}))

	area := resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel)
	require.NoError(t, store.InsertObjects(ctx, []resultdb.ObjectRow{
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 1, ValueByMeasure: map[resultdb.MeasureChannelID][]float64{area: {100}}},
		{ImageID: "img1", ChannelID: 0, TileID: 0, ObjectID: 2, ValueByMeasure: map[resultdb.MeasureChannelID][]float64{area: {200}}},
	}))
	return store
}

func TestCSVExporter_ExportPlateHeatmap_WritesHeaderAndAveragedRow(t *testing.T) {
	store := seedStore(t)
	area := resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel)

	var buf bytes.Buffer
	require.NoError(t, CSVExporter{}.ExportPlateHeatmap(context.Background(), &buf, store, "a1", 1, area))

	out := buf.String()
	assert.Contains(t, out, "well_pos_x,well_pos_y,area,object_count")
	assert.Contains(t, out, "2,3,150,2")
}

func TestCSVExporter_ExportList_PivotsMeasuresIntoColumns(t *testing.T) {
	store := seedStore(t)
	area := resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel)

	var buf bytes.Buffer
	require.NoError(t, CSVExporter{}.ExportList(context.Background(), &buf, store, "img1", 0, []resultdb.MeasureChannelID{area}))

	out := buf.String()
	assert.Contains(t, out, "image_id,channel_id,object_id,area")
	assert.Contains(t, out, "img1,0,1,100")
	assert.Contains(t, out, "img1,0,2,200")
}

func TestMeasureColumn_SuffixesNonSelfChannel(t *testing.T) {
	id := resultdb.NewMeasureChannelID(resultdb.MeasureIntensityAvg, 3)
	assert.Equal(t, "intensity_avg_ch3", measureColumn(id))
}
