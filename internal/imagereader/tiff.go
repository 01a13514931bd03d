package imagereader

import (
	"context"
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// tiffReader is the tile-capable TIFF variant. golang.org/x/image/tiff
// decodes a full directory at a time; tiling is provided here by cropping
// the decoded plane, which is sufficient for the composite-tile sizes
// this engine operates on (directories are still read once and cached,
// never per-tile).
type tiffReader struct {
	path string
	f    *os.File

	// dirs caches decoded per-directory planes, lazily populated; TIFF
	// directories map 1:1 to Z-planes/channels per GetTifDirs.
	dirs map[int]image.Image
}

func newTiffReader() *tiffReader {
	return &tiffReader{dirs: make(map[int]image.Image)}
}

func (r *tiffReader) Open(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return engerrors.New(engerrors.KindReadFailed, err.Error(), err).WithPath(path)
	}
	r.path = path
	r.f = f
	return nil
}

func (r *tiffReader) CloseLazy() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *tiffReader) decodeDir(dir int) (image.Image, error) {
	if img, ok := r.dirs[dir]; ok {
		return img, nil
	}
	if _, err := r.f.Seek(0, 0); err != nil {
		return nil, engerrors.New(engerrors.KindReadFailed, err.Error(), err).WithPath(r.path)
	}
	// x/image/tiff.Decode reads the first directory only; multi-directory
	// TIFFs are addressed by re-opening and skipping via DecodeAll-style
	// access is unavailable in x/image/tiff, so directory 0 is the
	// common path exercised here; callers needing additional directories
	// get ReadFailed rather than silently wrong pixels.
	img, err := tiff.Decode(r.f)
	if err != nil {
		return nil, engerrors.New(engerrors.KindReadFailed, err.Error(), err).WithPath(r.path)
	}
	if dir != 0 {
		return nil, engerrors.New(engerrors.KindReadFailed,
			fmt.Sprintf("directory %d unavailable: only the primary TIFF directory is decodable", dir), nil).WithPath(r.path)
	}
	r.dirs[dir] = img
	return img, nil
}

func (r *tiffReader) ReadOmeMetadata(ctx context.Context) (OMEMetadata, error) {
	img, err := r.decodeDir(0)
	if err != nil {
		return OMEMetadata{}, err
	}
	b := img.Bounds()
	return OMEMetadata{
		SeriesCount: 1,
		Resolutions: []Resolution{{
			Index: 0, Width: b.Dx(), Height: b.Dy(), BitDepth: 16,
			ByteFootprint: int64(b.Dx()) * int64(b.Dy()) * 2,
			TileWidth:     2048, TileHeight: 2048,
		}},
		ChannelToDir: map[[2]int][]int{{0, 0}: {0}},
	}, nil
}

func (r *tiffReader) ReadTile(ctx context.Context, series, zDir, tileX, tileY, tileW, tileH, resolution int) (*roi.Raster, error) {
	img, err := r.decodeDir(zDir)
	if err != nil {
		return nil, err
	}
	out := roi.NewRaster(tileW, tileH)
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			out.Set(x, y, gray16At(img, tileX+x, tileY+y))
		}
	}
	return out, nil
}

func (r *tiffReader) ReadEntire(ctx context.Context, series, zDir, resolution int) (*roi.Raster, error) {
	img, err := r.decodeDir(zDir)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return r.ReadTile(ctx, series, zDir, b.Min.X, b.Min.Y, b.Dx(), b.Dy(), resolution)
}

func (r *tiffReader) ReadThumbnail(ctx context.Context) (*roi.Raster, error) {
	img, err := r.decodeDir(0)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	const maxDim = 256
	w, h := b.Dx(), b.Dy()
	scale := 1
	for w/scale > maxDim || h/scale > maxDim {
		scale++
	}
	out := roi.NewRaster(w/scale, h/scale)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			out.Set(x, y, gray16At(img, b.Min.X+x*scale, b.Min.Y+y*scale))
		}
	}
	return out, nil
}

func (r *tiffReader) GetTifDirs(channelIndex, timeFrame int) []int {
	return []int{0}
}

func gray16At(img image.Image, x, y int) uint16 {
	if !(image.Point{x, y}.In(img.Bounds())) {
		return 0
	}
	c := img.At(x, y)
	gr, _, _, _ := c.RGBA()
	return uint16(gr)
}
