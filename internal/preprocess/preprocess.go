// Package preprocess implements the configurable, ordered chain of
// pixel-wise operators applied to a tile before detection.
package preprocess

import "github.com/joda/imagec/internal/roi"

// Operator is a pure function Raster -> Raster. No operator mutates its
// input in place: each allocates its own output buffer, except that a
// ZProject with nothing to project returns its input unchanged. This keeps
// the chain side-effect free and deterministic.
type Operator interface {
	Name() string
	Apply(src *roi.Raster) (*roi.Raster, error)
}

// Chain runs an ordered sequence of Operators, each seeing the previous
// one's output.
type Chain struct {
	Ops []Operator
}

// Run executes the chain in order, returning the final raster. On error
// from any stage the partial output is discarded and the error returned.
func (c Chain) Run(src *roi.Raster) (*roi.Raster, error) {
	cur := src
	for _, op := range c.Ops {
		out, err := op.Apply(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}
