// Package export writes resultdb query results as tabular reports for
// the `imagec report` CLI subcommand. Grounded on the legacy engine's
// results/exporter/exporter.hpp report surface (plate/well/image
// heatmaps plus a flat object list); Xlsx encoding itself is out of
// scope (spec.md §1 Non-goals) so the wired default encodes CSV via
// stdlib encoding/csv, the one standard-library-only component in this
// repo — no xlsx library appears anywhere in the retrieval pack to
// ground a concrete encoder on.
package export

import (
	"context"
	"fmt"
	"io"

	"github.com/joda/imagec/internal/resultdb"
)

// Exporter writes report data to w. Each method corresponds to one
// drill-down level of the legacy heatmap report: plate -> well -> image,
// plus the flat per-object list.
type Exporter interface {
	ExportPlateHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, analyzeID string, plateID int, measure resultdb.MeasureChannelID) error
	ExportWellHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, plateID int, groupID uint16, measure resultdb.MeasureChannelID) error
	ExportImageHeatmap(ctx context.Context, w io.Writer, store *resultdb.Store, imageID string, channelID int32, measure resultdb.MeasureChannelID) error
	ExportList(ctx context.Context, w io.Writer, store *resultdb.Store, imageID string, channelID int32, measures []resultdb.MeasureChannelID) error
}

// measureName renders a Measure as a stable, human-readable CSV column
// name; unknown values print their numeric form rather than panicking.
func measureName(m resultdb.Measure) string {
	switch m {
	case resultdb.MeasureConfidence:
		return "confidence"
	case resultdb.MeasureArea:
		return "area"
	case resultdb.MeasurePerimeter:
		return "perimeter"
	case resultdb.MeasureCircularity:
		return "circularity"
	case resultdb.MeasureCenterOfMassX:
		return "center_x"
	case resultdb.MeasureCenterOfMassY:
		return "center_y"
	case resultdb.MeasureBBoxWidth:
		return "bbox_width"
	case resultdb.MeasureBBoxHeight:
		return "bbox_height"
	case resultdb.MeasureIntensityAvg:
		return "intensity_avg"
	case resultdb.MeasureIntensityMin:
		return "intensity_min"
	case resultdb.MeasureIntensityMax:
		return "intensity_max"
	case resultdb.MeasureCrossIntensityAvg:
		return "cross_intensity_avg"
	case resultdb.MeasureCrossIntensityMin:
		return "cross_intensity_min"
	case resultdb.MeasureCrossIntensityMax:
		return "cross_intensity_max"
	case resultdb.MeasureCrossChannelCount:
		return "cross_channel_count"
	default:
		return fmt.Sprintf("measure_%d", m)
	}
}

// measureColumn renders the full column header including the referenced
// channel, so e.g. "intensity_avg" from two different source channels
// doesn't collide.
func measureColumn(id resultdb.MeasureChannelID) string {
	ch := id.Channel()
	if ch == resultdb.SelfChannel {
		return measureName(id.Measure())
	}
	return fmt.Sprintf("%s_ch%d", measureName(id.Measure()), ch)
}
