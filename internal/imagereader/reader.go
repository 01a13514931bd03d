// Package imagereader provides the uniform tile/entire-image load
// capability over heterogeneous on-disk decoders. Concrete variants live
// in this package; callers always program against the Reader interface.
package imagereader

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// Resolution describes one pyramid level of an image.
type Resolution struct {
	Index        int
	Width        int
	Height       int
	BitDepth     int
	ByteFootprint int64
	TileWidth    int
	TileHeight   int
}

// OMEMetadata is the subset of OME metadata the engine consumes.
type OMEMetadata struct {
	SeriesCount int
	Resolutions []Resolution
	// ChannelToDir maps (channelIndex, timeFrame) to the ordered Z-plane
	// directory indices backing it, mirroring getTifDirs.
	ChannelToDir map[[2]int][]int
}

// Reader is the capability set every image decoder variant implements.
// Concrete variants must never return partial pixel data on failure —
// either a full tile/image or an error.
type Reader interface {
	Open(ctx context.Context, path string) error
	CloseLazy() error
	ReadOmeMetadata(ctx context.Context) (OMEMetadata, error)
	ReadTile(ctx context.Context, series, zDir, tileX, tileY, tileW, tileH, resolution int) (*roi.Raster, error)
	ReadEntire(ctx context.Context, series, zDir, resolution int) (*roi.Raster, error)
	ReadThumbnail(ctx context.Context) (*roi.Raster, error)
	// GetTifDirs is a pure function: channelIndex/timeFrame -> ordered
	// set of Z-directory indices backing that channel.
	GetTifDirs(channelIndex, timeFrame int) []int
}

var tiffExt = map[string]struct{}{
	".tif": {}, ".tiff": {}, ".btif": {}, ".btiff": {}, ".btf": {},
}

var jpegExt = map[string]struct{}{
	".jpg": {}, ".jpeg": {},
}

var bioformatsExt = map[string]struct{}{
	".vsi": {}, ".ics": {}, ".czi": {},
}

// Open selects and opens the concrete Reader variant for path, dispatched
// by extension exactly as the legacy FileInfoImages decoder-kind table
// does.
func Open(ctx context.Context, path string) (Reader, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var r Reader
	switch {
	case has(tiffExt, ext):
		r = newTiffReader()
	case has(jpegExt, ext):
		r = newJPEGReader()
	case has(bioformatsExt, ext):
		r = newBioformatsStub()
	default:
		return nil, engerrors.ErrUnsupportedFormat.WithPath(path)
	}

	if err := r.Open(ctx, path); err != nil {
		return nil, err
	}
	return r, nil
}

func has(set map[string]struct{}, ext string) bool {
	_, ok := set[ext]
	return ok
}
