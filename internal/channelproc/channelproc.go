// Package channelproc orchestrates the per-(image,tile,channel) pipeline:
// load -> preprocess -> detect -> per-object filter -> per-image filter
// -> cross-channel intensity sampling. It composes internal/imagereader,
// internal/preprocess, internal/detect, internal/roi.
package channelproc

import (
	"context"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/imagereader"
	"github.com/joda/imagec/internal/preprocess"
	"github.com/joda/imagec/internal/roi"
)

// MaxImageSizeBytesToLoadAtOnce is the byte-footprint cutoff above which
// a resolution is tiled rather than loaded whole.
const MaxImageSizeBytesToLoadAtOnce = 256 * 1024 * 1024

// ImageFilterMode selects between tagging a problem and invalidating the
// whole image-channel.
type ImageFilterMode int

const (
	ImageFilterTagOnly ImageFilterMode = iota
	ImageFilterInvalidate
)

// Input bundles everything ProcessChannel needs for one (image,tile,channel).
type Input struct {
	Reader  imagereader.Reader
	Series  int
	ZDir    int
	Tile    roi.Rect
	Resolution int

	ChannelIndex int32
	Chain        preprocess.Chain
	Detector     detect.Detector
	Filter       roi.FilterSettings

	// ReferenceSpotChannel, if >= 0, is the channel whose ROIs mark this
	// channel's ROIs as REFERENCE_SPOT when they intersect above 0.7.
	ReferenceSpotChannel    int32
	ReferenceSpotResponses  *detect.Response

	MaxObjects                   int
	HistMinThresholdFilterFactor float64
	ThresholdMin                 uint16
	ImageFilterMode              ImageFilterMode

	// IntensityRefChannels lists channels to sample cross-channel
	// intensity from, using their already-loaded original raster.
	IntensityRefChannels []int32
	OriginalsByChannel   map[int32]*roi.Raster

	// CountRefChannels lists channels to count overlapping objects from,
	// using their already-computed detection response.
	CountRefChannels  []int32
	CountRefResponses map[int32]*detect.Response
}

const referenceSpotMinIntersection = 0.7

// ProcessChannel runs the full C->D->E->filter->cross-channel sequence
// for one work item and returns the resulting DetectionResponse.
func ProcessChannel(ctx context.Context, in Input) (*detect.Response, error) {
	if in.Tile.Empty() {
		return nil, engerrors.New(engerrors.KindConfigInvalid, "empty tile rect", nil).WithChannel(in.ChannelIndex)
	}

	original, err := loadTile(ctx, in)
	if err != nil {
		return nil, err
	}

	processed, err := in.Chain.Run(original)
	if err != nil {
		return nil, engerrors.New(engerrors.KindDetectorFailed, "preprocessing failed", err).WithChannel(in.ChannelIndex)
	}

	resp, err := in.Detector.Forward(processed, original, in.ChannelIndex)
	if err != nil {
		return invalidateAll(original, in.ChannelIndex, err), nil
	}

	applyPerObjectFilters(resp, in)
	applyPerImageFilters(resp, in)
	sampleCrossChannelIntensity(resp, in)
	countCrossChannel(resp, in)

	return resp, nil
}

func loadTile(ctx context.Context, in Input) (*roi.Raster, error) {
	meta, err := in.Reader.ReadOmeMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var footprint int64
	for _, r := range meta.Resolutions {
		if r.Index == in.Resolution {
			footprint = r.ByteFootprint
			break
		}
	}

	if footprint > 0 && footprint <= MaxImageSizeBytesToLoadAtOnce {
		return in.Reader.ReadEntire(ctx, in.Series, in.ZDir, in.Resolution)
	}
	return in.Reader.ReadTile(ctx, in.Series, in.ZDir, in.Tile.X, in.Tile.Y, in.Tile.W, in.Tile.H, in.Resolution)
}

func invalidateAll(original *roi.Raster, channel int32, cause error) *detect.Response {
	return &detect.Response{
		Results:              roi.NewDetectionResults(64),
		Original:             original,
		Control:              roi.NewRaster(original.Width, original.Height),
		Validity:             detect.ResponseInvalid,
		InvalidateWholeImage: true,
	}
}

// applyPerObjectFilters implements step 5: edge proximity and, when
// configured, reference-spot marking against the reference channel's
// already-detected ROIs.
func applyPerObjectFilters(resp *detect.Response, in Input) {
	for _, r := range resp.Results.All() {
		if touchesEdge(r.BBox, resp.Original.Width, resp.Original.Height) {
			r.Invalidate(roi.ValidityAtEdge)
		}
	}

	if in.ReferenceSpotChannel < 0 || in.ReferenceSpotResponses == nil {
		return
	}
	refResults := in.ReferenceSpotResponses.Results
	for _, r := range resp.Results.All() {
		for _, refIdx := range refResults.All() {
			if _, ok := r.CalcIntersection(refIdx, nil, referenceSpotMinIntersection, r.SelfChan, in.Filter); ok {
				r.Invalidate(roi.ValidityReferenceSpot)
				break
			}
		}
	}
}

func touchesEdge(bbox roi.Rect, width, height int) bool {
	return bbox.X <= 0 || bbox.Y <= 0 || bbox.X+bbox.W >= width || bbox.Y+bbox.H >= height
}

// applyPerImageFilters implements step 6: maxObjects and the histogram-
// plausibility check.
func applyPerImageFilters(resp *detect.Response, in Input) {
	if in.MaxObjects > 0 && resp.Results.Len() > in.MaxObjects {
		mark(resp, detect.ResponsePossibleNoise, in.ImageFilterMode)
	}

	if in.HistMinThresholdFilterFactor > 0 {
		peak := histogramPeak(resp.Original.Pix)
		if float64(peak)*in.HistMinThresholdFilterFactor > float64(in.ThresholdMin) {
			mark(resp, detect.ResponsePossibleWrongThreshold, in.ImageFilterMode)
		}
	}
}

func mark(resp *detect.Response, bit detect.ResponseValidity, mode ImageFilterMode) {
	resp.Validity |= bit
	if mode == ImageFilterInvalidate {
		resp.InvalidateWholeImage = true
	}
}

// histogramPeak returns the pixel value bucket with the highest count in
// a 256-bucket histogram, matching the legacy engine's histogram filter.
func histogramPeak(pix []uint16) uint16 {
	var maxV uint16
	for _, p := range pix {
		if p > maxV {
			maxV = p
		}
	}
	if maxV == 0 {
		return 0
	}
	var hist [256]int
	for _, p := range pix {
		hist[int(p)*255/int(maxV)]++
	}
	peak := 0
	for i, c := range hist {
		if c > hist[peak] {
			peak = i
		}
	}
	return uint16(peak * int(maxV) / 255)
}

// sampleCrossChannelIntensity implements step 7: for every configured
// reference channel, sample min/avg/max of its original pixels under
// every ROI's mask.
func sampleCrossChannelIntensity(resp *detect.Response, in Input) {
	if len(in.IntensityRefChannels) == 0 {
		return
	}
	for _, r := range resp.Results.All() {
		for _, ch := range in.IntensityRefChannels {
			img, ok := in.OriginalsByChannel[ch]
			if !ok || img == nil || r.Mask == nil {
				continue
			}
			r.CrossIntensity[ch] = sampleStat(img, r.BBox, r.Mask)
		}
	}
}

func sampleStat(img *roi.Raster, bbox roi.Rect, mask *roi.Raster) roi.ChannelStat {
	var sum, n float64
	var minV, maxV float64 = 1 << 30, -1
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) == 0 {
				continue
			}
			v := float64(img.At(bbox.X+x, bbox.Y+y))
			sum += v
			n++
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	if n == 0 {
		return roi.ChannelStat{}
	}
	return roi.ChannelStat{Avg: sum / n, Min: minV, Max: maxV}
}

// countCrossChannel implements the cross-channel object count measure:
// for every configured CountRefChannels entry, count how many of that
// channel's objects overlap this object's mask by any nonzero amount,
// mirroring sampleCrossChannelIntensity's per-ROI, per-reference-channel
// shape.
func countCrossChannel(resp *detect.Response, in Input) {
	if len(in.CountRefChannels) == 0 {
		return
	}
	for _, r := range resp.Results.All() {
		for _, ch := range in.CountRefChannels {
			other, ok := in.CountRefResponses[ch]
			if !ok || other == nil || other.Results == nil {
				continue
			}
			count := 0
			for _, o := range other.Results.All() {
				if _, ok := r.CalcIntersection(o, nil, 0, r.SelfChan, in.Filter); ok {
					count++
				}
			}
			r.CrossCount[ch] = count
		}
	}
}
