// Package roi implements the region-of-interest data model: ROI geometry
// and intensity, the bounded spatial index that accelerates cross-channel
// collision queries, and the DetectionResults container that owns ROIs
// and runs the cross-channel intersection calculus over them.
package roi

import "sync/atomic"

// Raster is an explicit, reference-counted pixel buffer. Unlike passing a
// bare []uint16 by value (which copies on every hand-off), a Raster is
// shared by reference between pipeline stages; Retain/Release count the
// holders of a buffer. Buffers are not pooled (see Release). Pixels are
// stored row-major, one uint16 per pixel.
type Raster struct {
	Width  int
	Height int
	Pix    []uint16

	refs *int32
}

// NewRaster allocates a zeroed raster of the given dimensions with a
// single reference.
func NewRaster(width, height int) *Raster {
	refs := int32(1)
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]uint16, width*height),
		refs:   &refs,
	}
}

// View wraps an existing pixel slice without copying; used when a reader
// already produced a buffer of the right shape.
func View(width, height int, pix []uint16) *Raster {
	refs := int32(1)
	return &Raster{Width: width, Height: height, Pix: pix, refs: &refs}
}

// Retain increments the reference count and returns r for chaining.
func (r *Raster) Retain() *Raster {
	if r == nil {
		return nil
	}
	atomic.AddInt32(r.refs, 1)
	return r
}

// Release decrements the reference count. The backing slice is not
// pooled in this engine (Go's GC reclaims it); Release exists so call
// sites follow the same retain/release discipline as the rest of the
// pipeline and so double-release bugs are detectable in tests.
func (r *Raster) Release() {
	if r == nil {
		return
	}
	if atomic.AddInt32(r.refs, -1) < 0 {
		panic("roi: Raster released more times than retained")
	}
}

// Clone deep-copies the pixel buffer into a fresh, independently-owned
// Raster with its own reference count.
func (r *Raster) Clone() *Raster {
	out := NewRaster(r.Width, r.Height)
	copy(out.Pix, r.Pix)
	return out
}

// At returns the pixel value at (x,y); out-of-bounds reads return 0.
func (r *Raster) At(x, y int) uint16 {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return 0
	}
	return r.Pix[y*r.Width+x]
}

// Set writes the pixel value at (x,y); out-of-bounds writes are no-ops.
func (r *Raster) Set(x, y int, v uint16) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Pix[y*r.Width+x] = v
}

// Rect is an axis-aligned integer rectangle, [X,X+W) x [Y,Y+H).
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersect returns the overlapping rectangle of r and o, which is Empty
// if they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
