package export

import (
	"context"
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/resultdb"
)

// CSVExporter is the default Exporter: one CSV document per call, header
// row first.
type CSVExporter struct{}

var _ Exporter = CSVExporter{}

func (CSVExporter) ExportPlateHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, analyzeID string, plateID int, measure resultdb.MeasureChannelID) error {
	cells, err := store.PlateHeatmap(ctx, analyzeID, plateID, measure)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"well_pos_x", "well_pos_y", measureColumn(measure), "object_count"}); err != nil {
		return writeErr(err)
	}
	for _, c := range cells {
		if err := cw.Write([]string{
			strconv.Itoa(int(c.WellPosX)),
			strconv.Itoa(int(c.WellPosY)),
			strconv.FormatFloat(c.Value, 'f', -1, 64),
			strconv.FormatInt(c.Count, 10),
		}); err != nil {
			return writeErr(err)
		}
	}
	cw.Flush()
	return writeErr(cw.Error())
}

func (CSVExporter) ExportWellHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, plateID int, groupID uint16, measure resultdb.MeasureChannelID) error {
	cells, err := store.WellHeatmap(ctx, plateID, groupID, measure)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"image_id", "image_idx", measureColumn(measure), "object_count"}); err != nil {
		return writeErr(err)
	}
	for _, c := range cells {
		if err := cw.Write([]string{
			c.ImageID,
			strconv.Itoa(c.ImageIdx),
			strconv.FormatFloat(c.Value, 'f', -1, 64),
			strconv.FormatInt(c.Count, 10),
		}); err != nil {
			return writeErr(err)
		}
	}
	cw.Flush()
	return writeErr(cw.Error())
}

func (CSVExporter) ExportImageHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, imageID string, channelID int32, measure resultdb.MeasureChannelID) error {
	cells, err := store.ImageHeatmap(ctx, imageID, channelID, measure)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"tile_id", "object_id", measureColumn(measure)}); err != nil {
		return writeErr(err)
	}
	for _, c := range cells {
		if err := cw.Write([]string{
			strconv.Itoa(int(c.TileID)),
			strconv.Itoa(c.ObjectID),
			strconv.FormatFloat(c.Value, 'f', -1, 64),
		}); err != nil {
			return writeErr(err)
		}
	}
	cw.Flush()
	return writeErr(cw.Error())
}

func (CSVExporter) ExportList(ctx context.Context, w io.Writer, store *resultdb.Store, imageID string, channelID int32, measures []resultdb.MeasureChannelID) error {
	rows, err := store.ListObjects(ctx, imageID, channelID, measures)
	if err != nil {
		return err
	}

	cols := make([]resultdb.MeasureChannelID, len(measures))
	copy(cols, measures)
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })

	header := []string{"image_id", "channel_id", "object_id"}
	for _, m := range cols {
		header = append(header, measureColumn(m))
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return writeErr(err)
	}
	for _, r := range rows {
		record := []string{r.ImageID, strconv.Itoa(int(r.ChannelID)), strconv.Itoa(r.ObjectID)}
		for _, m := range cols {
			v, ok := r.Values[m]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(record); err != nil {
			return writeErr(err)
		}
	}
	cw.Flush()
	return writeErr(cw.Error())
}

// writeErr wraps a csv.Writer failure as KindDatabaseError, the closest
// existing taxonomy entry to "output write failed" (ExitCode maps it to
// the CLI's exit code 4).
func writeErr(err error) error {
	if err == nil {
		return nil
	}
	return engerrors.New(engerrors.KindDatabaseError, "write csv report", err)
}
