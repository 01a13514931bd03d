package detect

import (
	"github.com/joda/imagec/internal/roi"
)

// ThresholdConfig configures the threshold-family Detector variant.
type ThresholdConfig struct {
	Mode               ThresholdMode
	MinValue, MaxValue uint16
	Watershed          bool
	Filter             roi.FilterSettings
	SpatialCellSize    int
}

// ThresholdDetector computes a binary mask via the configured threshold
// algorithm, optionally runs a distance-transform watershed split, and
// extracts external contours (holes ignored) to build one ROI per
// contour with the computed threshold as confidence.
type ThresholdDetector struct {
	cfg ThresholdConfig
}

// NewThresholdDetector constructs a ThresholdDetector for cfg.
func NewThresholdDetector(cfg ThresholdConfig) *ThresholdDetector {
	if cfg.SpatialCellSize <= 0 {
		cfg.SpatialCellSize = 64
	}
	return &ThresholdDetector{cfg: cfg}
}

func (d *ThresholdDetector) Close() error { return nil }

func (d *ThresholdDetector) Forward(srcTile, originalTile *roi.Raster, channelIndex int32) (*Response, error) {
	cut := ComputeThreshold(srcTile.Pix, d.cfg.Mode, d.cfg.MinValue)
	if d.cfg.MaxValue > 0 && cut > d.cfg.MaxValue {
		cut = d.cfg.MaxValue
	}

	binary := binarize(srcTile, cut, d.cfg.MaxValue)

	var labels [][]int
	if d.cfg.Watershed {
		labels = watershedSplit(binary)
	} else {
		labels = connectedComponents(binary)
	}

	if len(labels) > MaxContours {
		return &Response{
			Results:  roi.NewDetectionResults(d.cfg.SpatialCellSize),
			Original: originalTile,
			Control:  roi.NewRaster(srcTile.Width, srcTile.Height),
			Validity: ResponsePossibleNoise,
		}, nil
	}

	results := roi.NewDetectionResults(d.cfg.SpatialCellSize)
	control := roi.NewRaster(srcTile.Width, srcTile.Height)

	for idx, comp := range labels {
		mask, bbox := maskFromComponent(comp, binary.Width)
		if mask == nil {
			continue
		}
		contour := componentContour(mask)
		r := roi.New(idx, float64(cut)/65535, 0, bbox, mask, contour, originalTile, channelIndex, d.cfg.Filter)
		results.Push(r)
	}
	results.CreateBinaryImage(control)

	return &Response{Results: results, Original: originalTile, Control: control}, nil
}

func binarize(src *roi.Raster, min, max uint16) *roi.Raster {
	out := roi.NewRaster(src.Width, src.Height)
	for i, v := range src.Pix {
		if v >= min && (max == 0 || v <= max) {
			out.Pix[i] = 1
		}
	}
	return out
}

// connectedComponents runs a flood-fill 4-connectivity label pass and
// returns each component as a flat list of pixel indices into binary.Pix.
func connectedComponents(binary *roi.Raster) [][]int {
	w, h := binary.Width, binary.Height
	visited := make([]bool, w*h)
	var comps [][]int
	stack := make([]int, 0, 1024)

	for start := 0; start < w*h; start++ {
		if binary.Pix[start] == 0 || visited[start] {
			continue
		}
		var comp []int
		stack = stack[:0]
		stack = append(stack, start)
		visited[start] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, p)
			x, y := p%w, p/w
			neighbors := [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
			for _, n := range neighbors {
				if n[0] < 0 || n[1] < 0 || n[0] >= w || n[1] >= h {
					continue
				}
				ni := n[1]*w + n[0]
				if binary.Pix[ni] != 0 && !visited[ni] {
					visited[ni] = true
					stack = append(stack, ni)
				}
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

// watershedSplit separates touching blobs by a distance-transform
// watershed: components are first found normally, then any component
// whose city-block (4-neighbour) distance map has more than one interior local maximum
// is split along the ridge between the maxima's basins.
func watershedSplit(binary *roi.Raster) [][]int {
	base := connectedComponents(binary)
	w := binary.Width
	var out [][]int
	for _, comp := range base {
		dist := distanceTransform(comp, w)
		peaks := localMaxima(comp, dist, w)
		if len(peaks) <= 1 {
			out = append(out, comp)
			continue
		}
		out = append(out, splitByNearestPeak(comp, peaks, w)...)
	}
	return out
}

func distanceTransform(comp []int, w int) map[int]int {
	set := make(map[int]struct{}, len(comp))
	for _, p := range comp {
		set[p] = struct{}{}
	}
	dist := make(map[int]int, len(comp))
	for _, p := range comp {
		x, y := p%w, p/w
		best := 1 << 30
		for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			ni := (y+d[1])*w + (x + d[0])
			if _, ok := set[ni]; !ok {
				best = 0
				break
			}
		}
		dist[p] = best
	}
	// Propagate distances inward with a few relaxation passes (cheap
	// approximation to a true chamfer distance transform).
	for iter := 0; iter < 8; iter++ {
		for _, p := range comp {
			if dist[p] == 0 {
				continue
			}
			x, y := p%w, p/w
			min := dist[p]
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				ni := (y+d[1])*w + (x + d[0])
				if dv, ok := dist[ni]; ok && dv+1 < min {
					min = dv + 1
				}
			}
			dist[p] = min
		}
	}
	return dist
}

func localMaxima(comp []int, dist map[int]int, w int) []int {
	set := make(map[int]struct{}, len(comp))
	for _, p := range comp {
		set[p] = struct{}{}
	}
	var peaks []int
	for _, p := range comp {
		x, y := p%w, p/w
		isMax := true
		for _, d := range [8][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}} {
			ni := (y+d[1])*w + (x + d[0])
			if dv, ok := dist[ni]; ok && dv > dist[p] {
				isMax = false
				break
			}
		}
		if isMax && dist[p] > 0 {
			peaks = append(peaks, p)
		}
	}
	return peaks
}

func splitByNearestPeak(comp []int, peaks []int, w int) [][]int {
	groups := make([][]int, len(peaks))
	for _, p := range comp {
		x, y := p%w, p/w
		best := 0
		bestDist := 1 << 30
		for i, peak := range peaks {
			px, py := peak%w, peak/w
			d := (px-x)*(px-x) + (py-y)*(py-y)
			if d < bestDist {
				bestDist = d
				best = i
			}
		}
		groups[best] = append(groups[best], p)
	}
	var out [][]int
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}

func maskFromComponent(comp []int, w int) (*roi.Raster, roi.Rect) {
	if len(comp) == 0 {
		return nil, roi.Rect{}
	}
	minX, minY := 1<<30, 1<<30
	maxX, maxY := -1, -1
	for _, p := range comp {
		x, y := p%w, p/w
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
	for _, p := range comp {
		x, y := p%w, p/w
		mask.Set(x-minX, y-minY, 1)
	}
	return mask, bbox
}

// componentContour traces the boundary of mask's single connected
// component via the same Moore-neighbourhood walk used by the
// cross-channel intersection operator, reused here for external-contour
// extraction (holes are not traced, matching "external contours" scope).
func componentContour(mask *roi.Raster) roi.Contour {
	return roi.TraceContour(mask)
}
