package resultdb

import (
	"context"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// invalidatingBitsMask covers every defined roi.Validity bit. Per
// spec's testable property P1, an object is included in an aggregation
// iff its validity is exactly zero — there is no carve-out for any one
// bit, ValidityReferenceSpot included.
const invalidatingBitsMask = int32(roi.ValidityTooSmall | roi.ValidityTooBig | roi.ValidityTooLessCircularity |
	roi.ValidityTooLessOverlap | roi.ValidityReferenceSpot | roi.ValidityAtEdge | roi.ValidityManuallyInvalidated)

// WellHeatmapCell is one aggregated (well) cell of a plate heatmap,
// grounded on original_source's heatmap_for_plate.hpp query shape:
// average a measure across every object in every image that belongs to
// a well, one row per well.
type WellHeatmapCell struct {
	PlateID  int
	GroupID  uint16
	WellPosX uint8
	WellPosY uint8
	Value    float64
	Count    int64
}

// PlateHeatmap averages measureChannelID across every object belonging
// to each well of a plate, excluding objects whose image_channel row is
// invalidated or manually out-sorted.
func (s *Store) PlateHeatmap(ctx context.Context, analyzeID string, plateID int, measureChannelID MeasureChannelID) ([]WellHeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.group_id, g.well_pos_x, g.well_pos_y, AVG(o.value), COUNT(*)
		FROM object o
		JOIN image_group ig ON ig.image_id = o.image_id
		JOIN "group" g ON g.analyze_id = ? AND g.plate_id = ig.plate_id AND g.group_id = ig.group_id
		JOIN image_channel ic ON ic.image_id = o.image_id AND ic.channel_id = o.channel_id
		WHERE ig.plate_id = ? AND o.measure_channel_id = ?
		  AND ic.invalidate_all = FALSE
		  AND (ic.validity_bits & 2) = 0 -- MANUAL_OUT_SORTED bit
		  AND (o.validity_bits & ?) = 0
		GROUP BY g.group_id, g.well_pos_x, g.well_pos_y
		ORDER BY g.well_pos_y, g.well_pos_x`,
		analyzeID, plateID, int32(measureChannelID), invalidatingBitsMask)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "query plate heatmap", err)
	}
	defer rows.Close()

	var cells []WellHeatmapCell
	for rows.Next() {
		var c WellHeatmapCell
		c.PlateID = plateID
		if err := rows.Scan(&c.GroupID, &c.WellPosX, &c.WellPosY, &c.Value, &c.Count); err != nil {
			return nil, engerrors.New(engerrors.KindDatabaseError, "scan plate heatmap row", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "iterate plate heatmap", err)
	}
	return cells, nil
}

// ImageHeatmapCell is one aggregated image row within a well heatmap,
// grounded on heatmap_for_well.hpp's per-image-within-well aggregation.
type ImageHeatmapCell struct {
	ImageID  string
	ImageIdx int
	Value    float64
	Count    int64
}

// WellHeatmap averages measureChannelID per image within a single well,
// the drill-down view beneath PlateHeatmap.
func (s *Store) WellHeatmap(ctx context.Context, plateID int, groupID uint16, measureChannelID MeasureChannelID) ([]ImageHeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.image_id, i.image_idx, AVG(o.value), COUNT(*)
		FROM object o
		JOIN image_group ig ON ig.image_id = o.image_id
		JOIN image i ON i.image_id = o.image_id
		JOIN image_channel ic ON ic.image_id = o.image_id AND ic.channel_id = o.channel_id
		WHERE ig.plate_id = ? AND ig.group_id = ? AND o.measure_channel_id = ?
		  AND ic.invalidate_all = FALSE
		  AND (o.validity_bits & ?) = 0
		GROUP BY i.image_id, i.image_idx
		ORDER BY i.image_idx`,
		plateID, groupID, int32(measureChannelID), invalidatingBitsMask)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "query well heatmap", err)
	}
	defer rows.Close()

	var cells []ImageHeatmapCell
	for rows.Next() {
		var c ImageHeatmapCell
		if err := rows.Scan(&c.ImageID, &c.ImageIdx, &c.Value, &c.Count); err != nil {
			return nil, engerrors.New(engerrors.KindDatabaseError, "scan well heatmap row", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "iterate well heatmap", err)
	}
	return cells, nil
}

// ObjectHeatmapCell is one per-object row within a single image, the
// finest heatmap drill-down level (image -> objects).
type ObjectHeatmapCell struct {
	TileID   int32
	ObjectID int
	Value    float64
}

// ImageHeatmap lists measureChannelID's value per object in one image,
// unaggregated, for the image-level heatmap view.
func (s *Store) ImageHeatmap(ctx context.Context, imageID string, channelID int32, measureChannelID MeasureChannelID) ([]ObjectHeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tile_id, object_id, value
		FROM object
		WHERE image_id = ? AND channel_id = ? AND measure_channel_id = ? AND (validity_bits & ?) = 0
		ORDER BY tile_id, object_id`,
		imageID, channelID, int32(measureChannelID), invalidatingBitsMask)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "query image heatmap", err)
	}
	defer rows.Close()

	var cells []ObjectHeatmapCell
	for rows.Next() {
		var c ObjectHeatmapCell
		if err := rows.Scan(&c.TileID, &c.ObjectID, &c.Value); err != nil {
			return nil, engerrors.New(engerrors.KindDatabaseError, "scan image heatmap row", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "iterate image heatmap", err)
	}
	return cells, nil
}

// ListRow is one flattened (object, all requested measures) row for the
// tabular list report.
type ListRow struct {
	ImageID   string
	ChannelID int32
	ObjectID  int
	Values    map[MeasureChannelID]float64
}

// ListObjects returns every non-invalidated object for an image/channel
// with its requested measures pivoted into one row per object, the
// shape the CSV list export walks directly.
func (s *Store) ListObjects(ctx context.Context, imageID string, channelID int32, measures []MeasureChannelID) ([]ListRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_id, measure_channel_id, value
		FROM object
		WHERE image_id = ? AND channel_id = ? AND (validity_bits & ?) = 0
		ORDER BY object_id`,
		imageID, channelID, invalidatingBitsMask)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "query list objects", err)
	}
	defer rows.Close()

	wanted := make(map[MeasureChannelID]bool, len(measures))
	for _, m := range measures {
		wanted[m] = true
	}

	byObject := map[int]*ListRow{}
	var order []int
	for rows.Next() {
		var objectID int
		var mcid int32
		var value float64
		if err := rows.Scan(&objectID, &mcid, &value); err != nil {
			return nil, engerrors.New(engerrors.KindDatabaseError, "scan list object row", err)
		}
		m := MeasureChannelID(mcid)
		if len(wanted) > 0 && !wanted[m] {
			continue
		}
		row, ok := byObject[objectID]
		if !ok {
			row = &ListRow{ImageID: imageID, ChannelID: channelID, ObjectID: objectID, Values: map[MeasureChannelID]float64{}}
			byObject[objectID] = row
			order = append(order, objectID)
		}
		row.Values[m] = value
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.New(engerrors.KindDatabaseError, "iterate list objects", err)
	}

	out := make([]ListRow, 0, len(order))
	for _, id := range order {
		out = append(out, *byObject[id])
	}
	return out, nil
}
