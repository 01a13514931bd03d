package roi

// DetectionResults is an ordered, owning collection of ROIs with an
// embedded SpatialIndex for O(1)-neighbourhood collision queries. ROI
// indices are unique and dense starting at 0 within one DetectionResults.
type DetectionResults struct {
	rois  []*ROI
	index *SpatialIndex
}

// NewDetectionResults builds an empty container with the given spatial
// cell size (see SpatialIndex).
func NewDetectionResults(cellSize int) *DetectionResults {
	return &DetectionResults{index: NewSpatialIndex(cellSize)}
}

// Push appends an ROI, assigning it the next dense index, and registers
// it in the spatial index.
func (d *DetectionResults) Push(r *ROI) {
	r.Index = len(d.rois)
	d.rois = append(d.rois, r)
	d.index.Register(r.Index, r.BBox)
}

// Len returns the number of ROIs.
func (d *DetectionResults) Len() int { return len(d.rois) }

// At returns the ROI at the given dense index.
func (d *DetectionResults) At(i int) *ROI { return d.rois[i] }

// All returns the underlying ROI slice; callers must not mutate its
// length (use Push), but may mutate validity bits in place.
func (d *DetectionResults) All() []*ROI { return d.rois }

// Clone deep-copies the ROI set and rebuilds the spatial index so the
// clone's index points entirely into its own storage (no shared pointers
// with the source).
func (d *DetectionResults) Clone() *DetectionResults {
	out := NewDetectionResults(d.index.cellSize)
	for _, r := range d.rois {
		cp := *r
		if r.Mask != nil {
			cp.Mask = r.Mask.Clone()
		}
		if r.SnapMask != nil {
			cp.SnapMask = r.SnapMask.Clone()
		}
		cp.Contour = append(Contour(nil), r.Contour...)
		cp.SnapContour = append(Contour(nil), r.SnapContour...)
		cp.CrossIntensity = make(map[int32]ChannelStat, len(r.CrossIntensity))
		for k, v := range r.CrossIntensity {
			cp.CrossIntensity[k] = v
		}
		cp.CrossCount = make(map[int32]int, len(r.CrossCount))
		for k, v := range r.CrossCount {
			cp.CrossCount[k] = v
		}
		out.Push(&cp)
	}
	return out
}

// CreateBinaryImage paints the union of valid ROI masks into dst, which
// must already be sized to the tile/original image.
func (d *DetectionResults) CreateBinaryImage(dst *Raster) {
	for _, r := range d.rois {
		if !r.Validity.IsValid() || r.Mask == nil {
			continue
		}
		for y := 0; y < r.Mask.Height; y++ {
			for x := 0; x < r.Mask.Width; x++ {
				if r.Mask.At(x, y) != 0 {
					dst.Set(r.BBox.X+x, r.BBox.Y+y, 1)
				}
			}
		}
	}
}

// CalcIntersections runs CalcIntersection for every spatially-colliding
// pair of (this, other) ROIs and returns a new DetectionResults holding
// the ones that passed minIntersection, in the given result channel.
func (d *DetectionResults) CalcIntersections(other *DetectionResults, imagesByChannel map[int32]*Raster,
	minIntersection float64, resultChannel int32, filter FilterSettings) *DetectionResults {

	out := NewDetectionResults(d.index.cellSize)
	seen := make(map[[2]int]struct{})

	for _, a := range d.rois {
		for _, bIdx := range other.index.CandidatesFor(a.BBox) {
			b := other.rois[bIdx]
			key := [2]int{a.Index, b.Index}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if r, ok := a.CalcIntersection(b, imagesByChannel, minIntersection, resultChannel, filter); ok {
				out.Push(r)
			}
		}
	}
	return out
}
