package imagereader

import (
	"context"
	"image"
	"image/jpeg"
	"os"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// jpegReader is the entire-image-only JPEG variant: JPEG has no tile
// grid, so ReadTile simply crops the fully decoded image.
type jpegReader struct {
	path string
	img  image.Image
}

func newJPEGReader() *jpegReader { return &jpegReader{} }

func (r *jpegReader) Open(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return engerrors.New(engerrors.KindReadFailed, err.Error(), err).WithPath(path)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return engerrors.New(engerrors.KindReadFailed, err.Error(), err).WithPath(path)
	}
	r.path = path
	r.img = img
	return nil
}

func (r *jpegReader) CloseLazy() error { r.img = nil; return nil }

func (r *jpegReader) ReadOmeMetadata(ctx context.Context) (OMEMetadata, error) {
	b := r.img.Bounds()
	return OMEMetadata{
		SeriesCount: 1,
		Resolutions: []Resolution{{
			Index: 0, Width: b.Dx(), Height: b.Dy(), BitDepth: 8,
			ByteFootprint: int64(b.Dx()) * int64(b.Dy()),
			TileWidth:     b.Dx(), TileHeight: b.Dy(),
		}},
		ChannelToDir: map[[2]int][]int{{0, 0}: {0}},
	}, nil
}

func (r *jpegReader) ReadTile(ctx context.Context, series, zDir, tileX, tileY, tileW, tileH, resolution int) (*roi.Raster, error) {
	out := roi.NewRaster(tileW, tileH)
	for y := 0; y < tileH; y++ {
		for x := 0; x < tileW; x++ {
			out.Set(x, y, gray16At(r.img, tileX+x, tileY+y))
		}
	}
	return out, nil
}

func (r *jpegReader) ReadEntire(ctx context.Context, series, zDir, resolution int) (*roi.Raster, error) {
	b := r.img.Bounds()
	return r.ReadTile(ctx, series, zDir, b.Min.X, b.Min.Y, b.Dx(), b.Dy(), resolution)
}

func (r *jpegReader) ReadThumbnail(ctx context.Context) (*roi.Raster, error) {
	return r.ReadEntire(ctx, 0, 0, 0)
}

func (r *jpegReader) GetTifDirs(channelIndex, timeFrame int) []int {
	return []int{0}
}
