// Package detect implements the two Detector variants — threshold-family
// and model-family segmenters — behind one Forward contract, per the
// tagged-variant re-architecture that replaces a virtual base class.
package detect

import (
	"github.com/joda/imagec/internal/roi"
)

// Response mirrors spec's DetectionResponse: the detection-results list,
// the original tile pixels, the painted control image, a response-level
// validity bitset, and an invalidate-whole-image flag.
type Response struct {
	Results              *roi.DetectionResults
	Original             *roi.Raster
	Control              *roi.Raster
	Validity             ResponseValidity
	InvalidateWholeImage bool
}

// ResponseValidity mirrors the legacy engine's ResponseDataValidityEnum.
type ResponseValidity uint32

const (
	ResponseUnknown                ResponseValidity = 0
	ResponseInvalid                ResponseValidity = 1 << 0
	ResponseManualOutSorted        ResponseValidity = 1 << 1
	ResponsePossibleNoise          ResponseValidity = 1 << 2
	ResponsePossibleWrongThreshold ResponseValidity = 1 << 3
)

// MaxContours is the safety valve from §4.E: a tile producing more
// contours than this is abandoned as likely noise rather than processed.
const MaxContours = 50000

// Detector is the single contract both variants implement.
type Detector interface {
	// Forward runs detection on one tile. srcTile is the preprocessed
	// pixels the detector operates on; originalTile is the unprocessed
	// pixels used for intensity sampling; channelIndex identifies the
	// channel being processed (becomes each ROI's SelfChan).
	Forward(srcTile, originalTile *roi.Raster, channelIndex int32) (*Response, error)
	Close() error
}
