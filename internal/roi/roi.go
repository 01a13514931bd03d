package roi

import "math"

// Validity is a monotone bitset: once a bit is set it is never cleared
// except by an explicit manual-invalidation toggle.
type Validity uint32

const (
	ValidityValid               Validity = 0
	ValidityTooSmall            Validity = 1 << 0
	ValidityTooBig              Validity = 1 << 1
	ValidityTooLessCircularity  Validity = 1 << 2
	ValidityTooLessOverlap      Validity = 1 << 3
	ValidityReferenceSpot       Validity = 1 << 4
	ValidityAtEdge              Validity = 1 << 5
	ValidityManuallyInvalidated Validity = 1 << 6
)

// IsValid reports whether none of the invalidating bits are set.
func (v Validity) IsValid() bool { return v == ValidityValid }

// Point is an integer (x,y) pair, bbox-relative when used inside a Contour.
type Point struct{ X, Y int }

// Contour is an ordered, closed polygon of bbox-relative points.
type Contour []Point

// ChannelStat is the (avg,min,max) intensity summary sampled from one
// source channel.
type ChannelStat struct {
	Avg, Min, Max float64
}

// FilterSettings carries the object-filter thresholds an ROI is checked
// against at construction time.
type FilterSettings struct {
	MinArea        float64
	MaxArea        float64 // 0 means unbounded
	MinCircularity float64
	SnapAreaSize   int
}

// ROI is one detected object: geometry, classification, per-channel
// intensity, and validity. ROI never back-references the DetectionResults
// that owns it; pipeline steps receive it by borrow, not by parent pointer.
type ROI struct {
	Index      int
	Confidence float64
	ClassID    int32
	SelfChan   int32

	BBox    Rect
	Mask    *Raster // binary raster sized BBox.W x BBox.H; nonzero = interior
	Contour Contour

	SnapBBox    Rect
	SnapMask    *Raster
	SnapContour Contour

	Area        float64
	Perimeter   float64
	Circularity float64
	CenterX     float64
	CenterY     float64

	Intensity ChannelStat

	CrossIntensity map[int32]ChannelStat
	CrossCount     map[int32]int

	Validity Validity
}

// New constructs an ROI from detector output and computes its derived
// geometry, intensity, and initial validity against filter.
func New(index int, confidence float64, classID int32, bbox Rect, mask *Raster, contour Contour,
	original *Raster, selfChannel int32, filter FilterSettings) *ROI {

	r := &ROI{
		Index:          index,
		Confidence:     confidence,
		ClassID:        classID,
		SelfChan:       selfChannel,
		BBox:           bbox,
		Mask:           mask,
		Contour:        contour,
		CrossIntensity: make(map[int32]ChannelStat),
		CrossCount:     make(map[int32]int),
	}

	r.Area = countSetPixels(mask)
	r.Perimeter = contourPerimeter(contour)
	r.Circularity = circularityOf(r.Area, r.Perimeter)
	r.CenterX, r.CenterY = centerOfMass(mask, bbox)
	r.Intensity = sampleIntensity(original, bbox, mask)

	if filter.MinArea > 0 && r.Area < filter.MinArea {
		r.Validity |= ValidityTooSmall
	}
	if filter.MaxArea > 0 && r.Area > filter.MaxArea {
		r.Validity |= ValidityTooBig
	}
	if filter.MinCircularity > 0 && r.Circularity < filter.MinCircularity {
		r.Validity |= ValidityTooLessCircularity
	}

	if filter.SnapAreaSize > 0 {
		r.SnapBBox, r.SnapMask, r.SnapContour = dilate(bbox, mask, contour, filter.SnapAreaSize)
	}

	return r
}

// Invalidate ORs extra bits into the validity set. Monotone: never clears
// existing bits.
func (r *ROI) Invalidate(bits Validity) { r.Validity |= bits }

// SetManualInvalid toggles the manual-invalidation bit; this is the sole
// validity bit a caller may clear, per the persisted manual-override
// semantics in the result database.
func (r *ROI) SetManualInvalid(invalid bool) {
	if invalid {
		r.Validity |= ValidityManuallyInvalidated
	} else {
		r.Validity &^= ValidityManuallyInvalidated
	}
}

func countSetPixels(mask *Raster) float64 {
	if mask == nil {
		return 0
	}
	n := 0
	for _, p := range mask.Pix {
		if p != 0 {
			n++
		}
	}
	return float64(n)
}

// contourPerimeter sums arc length with the ImageJ convention: orthogonal
// steps count 1, diagonal steps count sqrt(2).
func contourPerimeter(c Contour) float64 {
	if len(c) < 2 {
		return 0
	}
	var total float64
	for i := range c {
		a := c[i]
		b := c[(i+1)%len(c)]
		dx := abs(b.X - a.X)
		dy := abs(b.Y - a.Y)
		switch {
		case dx != 0 && dy != 0:
			total += math.Sqrt2
		default:
			total += float64(dx + dy)
		}
	}
	return total
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// circularityOf computes 4*pi*area/perimeter^2 clamped to [0,1]; perimeter
// == 0 defines circularity 0, not NaN/Inf.
func circularityOf(area, perimeter float64) float64 {
	if perimeter == 0 {
		return 0
	}
	c := 4 * math.Pi * area / (perimeter * perimeter)
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

func centerOfMass(mask *Raster, bbox Rect) (float64, float64) {
	if mask == nil {
		return float64(bbox.X), float64(bbox.Y)
	}
	var sx, sy, n float64
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) != 0 {
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return float64(bbox.X), float64(bbox.Y)
	}
	return float64(bbox.X) + sx/n, float64(bbox.Y) + sy/n
}

func sampleIntensity(original *Raster, bbox Rect, mask *Raster) ChannelStat {
	if original == nil || mask == nil {
		return ChannelStat{}
	}
	var sum float64
	var n float64
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) == 0 {
				continue
			}
			v := float64(original.At(bbox.X+x, bbox.Y+y))
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
		return ChannelStat{}
	}
	return ChannelStat{Avg: sum / n, Min: minV, Max: maxV}
}

// dilate grows bbox/mask/contour by radius pixels in every direction,
// used for snap-area collision tolerance.
func dilate(bbox Rect, mask *Raster, contour Contour, radius int) (Rect, *Raster, Contour) {
	grown := Rect{
		X: bbox.X - radius,
		Y: bbox.Y - radius,
		W: bbox.W + 2*radius,
		H: bbox.H + 2*radius,
	}
	if mask == nil {
		return grown, nil, nil
	}
	out := NewRaster(grown.W, grown.H)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) == 0 {
				continue
			}
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					if dx*dx+dy*dy > radius*radius {
						continue
					}
					out.Set(x+radius+dx, y+radius+dy, 1)
				}
			}
		}
	}
	grownContour := make(Contour, len(contour))
	for i, p := range contour {
		grownContour[i] = Point{X: p.X + radius, Y: p.Y + radius}
	}
	return grown, out, grownContour
}
