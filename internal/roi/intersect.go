package roi

// CalcIntersection is the fundamental cross-channel operator (spec §4.A).
// It intersects self's bbox/mask with other's, and if the overlap clears
// minIntersection (as a fraction of the smaller ROI's area) builds a new
// ROI in the intersection's own channel, sampling intensity from every
// channel in originalImagesByChannel. Invalid inputs never panic; they
// return ok=false.
func (self *ROI) CalcIntersection(other *ROI, originalImagesByChannel map[int32]*Raster,
	minIntersection float64, resultChannel int32, filter FilterSettings) (*ROI, bool) {

	if self == nil || other == nil || self.Mask == nil || other.Mask == nil {
		return nil, false
	}

	box := self.BBox.Intersect(other.BBox)
	if box.Empty() {
		return nil, false
	}

	inter := NewRaster(box.W, box.H)
	var interCount float64
	for y := 0; y < box.H; y++ {
		for x := 0; x < box.W; x++ {
			sx, sy := box.X+x-self.BBox.X, box.Y+y-self.BBox.Y
			ox, oy := box.X+x-other.BBox.X, box.Y+y-other.BBox.Y
			if self.Mask.At(sx, sy) != 0 && other.Mask.At(ox, oy) != 0 {
				inter.Set(x, y, 1)
				interCount++
			}
		}
	}

	if interCount == 0 {
		return nil, false
	}

	smaller := self.Area
	if other.Area < smaller {
		smaller = other.Area
	}
	if smaller == 0 || interCount/smaller < minIntersection {
		return nil, false
	}

	contour := traceContour(inter)

	var original *Raster
	if originalImagesByChannel != nil {
		original = originalImagesByChannel[resultChannel]
	}

	result := New(0, minConfidence(self.Confidence, other.Confidence), self.ClassID, box, inter, contour,
		original, resultChannel, filter)

	result.CrossIntensity = make(map[int32]ChannelStat, len(originalImagesByChannel))
	for ch, img := range originalImagesByChannel {
		result.CrossIntensity[ch] = sampleIntensity(img, box, inter)
	}

	return result, true
}

func minConfidence(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// TraceContour extracts the boundary of a connected component in a
// binary mask as an ordered, bbox-relative point list using a
// Moore-neighbourhood boundary walk. Returns nil for an empty mask.
// Exported for reuse by Detector variants building ROIs from raw masks.
func TraceContour(mask *Raster) Contour {
	return traceContour(mask)
}

func traceContour(mask *Raster) Contour {
	if mask == nil {
		return nil
	}
	// Find the first set pixel, scanning row-major, as the trace start.
	start := Point{-1, -1}
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) != 0 {
				start = Point{x, y}
				break
			}
		}
		if start.X >= 0 {
			break
		}
	}
	if start.X < 0 {
		return nil
	}

	// 8-connected Moore-neighbourhood trace; stops on the first return to
	// the start pixel.
	dirs := []Point{{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}}
	var contour Contour
	cur := start
	backtrack := 4 // arrived from the west on a synthetic first step
	const maxSteps = 1 << 20
	for step := 0; step < maxSteps; step++ {
		contour = append(contour, cur)
		found := false
		for i := 0; i < 8; i++ {
			d := (backtrack + 1 + i) % 8
			nx, ny := cur.X+dirs[d].X, cur.Y+dirs[d].Y
			if mask.At(nx, ny) != 0 {
				cur = Point{nx, ny}
				backtrack = (d + 4) % 8
				found = true
				break
			}
		}
		if !found || cur == start {
			break
		}
	}
	return contour
}
