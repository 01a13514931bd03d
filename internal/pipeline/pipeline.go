// Package pipeline implements the §4.G cross-channel pipeline steps that
// operate on the per-tile map channelId -> DetectionResponse: Intersection
// and Voronoi tessellation.
package pipeline

import (
	"sort"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/roi"
)

// ResponseMap is the per-tile map the pipeline steps consume and extend.
type ResponseMap map[int32]*detect.Response

// IntersectionStep seeds with a clone of the first source channel's
// detection results, then iteratively intersects with each remaining
// source, sampling cross-channel intensity from every source's original
// tile. Emitted ROIs are assigned to SelfChannel and inserted into
// responses before the next step runs.
type IntersectionStep struct {
	SelfChannel          int32
	SourceChannels       []int32
	MinIntersectionRatio float64
	Filter               roi.FilterSettings
}

// Run executes the step against responses, mutating it with the new
// SelfChannel entry.
func (s IntersectionStep) Run(responses ResponseMap) {
	if len(s.SourceChannels) == 0 {
		return
	}
	first, ok := responses[s.SourceChannels[0]]
	if !ok || first == nil {
		return
	}

	current := first.Results.Clone()
	imagesByChannel := make(map[int32]*roi.Raster)
	for _, ch := range s.SourceChannels {
		if r, ok := responses[ch]; ok {
			imagesByChannel[ch] = r.Original
		}
	}

	for _, ch := range s.SourceChannels[1:] {
		other, ok := responses[ch]
		if !ok || other == nil {
			continue
		}
		current = current.CalcIntersections(other.Results, imagesByChannel, s.MinIntersectionRatio, s.SelfChannel, s.Filter)
	}

	var original *roi.Raster
	if first != nil {
		original = first.Original
	}
	responses[s.SelfChannel] = &detect.Response{
		Results:  current,
		Original: original,
		Control:  controlImageFrom(current, original),
	}
}

func controlImageFrom(results *roi.DetectionResults, original *roi.Raster) *roi.Raster {
	if original == nil {
		return nil
	}
	control := roi.NewRaster(original.Width, original.Height)
	results.CreateBinaryImage(control)
	return control
}

// VoronoiStep builds a Voronoi diagram over the centres of valid ROIs of
// the point channel, clips each cell by a disc of MaxRadius if positive,
// and emits one ROI per clipped cell.
type VoronoiStep struct {
	PointsFromChannel int32
	SelfChannel       int32
	MaxRadius         float64
	Filter            roi.FilterSettings
}

// Run executes the step, inserting SelfChannel's result into responses.
func (s VoronoiStep) Run(responses ResponseMap) {
	src, ok := responses[s.PointsFromChannel]
	if !ok || src == nil {
		return
	}

	var seeds []roi.Point
	var seedROIs []*roi.ROI
	for _, r := range src.Results.All() {
		if !r.Validity.IsValid() {
			continue
		}
		seeds = append(seeds, roi.Point{X: int(r.CenterX), Y: int(r.CenterY)})
		seedROIs = append(seedROIs, r)
	}

	original := src.Original
	out := roi.NewDetectionResults(64)
	if original == nil || len(seeds) == 0 {
		responses[s.SelfChannel] = &detect.Response{Results: out, Original: original}
		return
	}

	cells := voronoiCells(seeds, original.Width, original.Height, s.MaxRadius)
	for i, cell := range cells {
		if cell == nil {
			continue
		}
		mask, bbox := maskFromIndices(cell, original.Width)
		if mask == nil {
			continue
		}
		contour := roi.TraceContour(mask)
		conf := 1.0
		if i < len(seedROIs) {
			conf = seedROIs[i].Confidence
		}
		r := roi.New(i, conf, 0, bbox, mask, contour, original, s.SelfChannel, s.Filter)
		out.Push(r)
	}

	responses[s.SelfChannel] = &detect.Response{
		Results:  out,
		Original: original,
		Control:  controlImageFrom(out, original),
	}
}

// voronoiCells assigns every pixel to its nearest seed (a discrete
// nearest-seed scan, not a Fortune sweep), then drops pixels farther than
// maxRadius from their seed when maxRadius > 0.
func voronoiCells(seeds []roi.Point, width, height int, maxRadius float64) [][]int {
	cells := make([][]int, len(seeds))
	maxRadiusSq := maxRadius * maxRadius
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			best := -1
			bestDist := -1.0
			for i, s := range seeds {
				dx := float64(x - s.X)
				dy := float64(y - s.Y)
				d := dx*dx + dy*dy
				if best == -1 || d < bestDist {
					best = i
					bestDist = d
				}
			}
			if best == -1 {
				continue
			}
			if maxRadius > 0 && bestDist > maxRadiusSq {
				continue
			}
			cells[best] = append(cells[best], y*width+x)
		}
	}
	return cells
}

func maskFromIndices(indices []int, width int) (*roi.Raster, roi.Rect) {
	if len(indices) == 0 {
		return nil, roi.Rect{}
	}
	minX, minY := 1<<30, 1<<30
	maxX, maxY := -1, -1
	for _, p := range indices {
		x, y := p%width, p/width
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	bbox := roi.Rect{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}
	mask := roi.NewRaster(bbox.W, bbox.H)
	for _, p := range indices {
		x, y := p%width, p/width
		mask.Set(x-minX, y-minY, 1)
	}
	return mask, bbox
}

// sortedKeys returns the channel ids of m in ascending order; nothing in
// this repository calls it.
func sortedKeys(m ResponseMap) []int32 {
	out := make([]int32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
