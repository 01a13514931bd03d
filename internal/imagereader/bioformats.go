package imagereader

import (
	"context"

	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/roi"
)

// bioformatsStub represents the Bio-Formats bridge, which is an external
// collaborator per scope: VSI/ICS/CZI decoding is not implemented here.
// Every method returns UnsupportedFormat so the controller skips such
// images with a logged, per-image-fatal error rather than crashing the
// job, matching the reader contract's never-partial-pixel-data rule.
type bioformatsStub struct{ path string }

func newBioformatsStub() *bioformatsStub { return &bioformatsStub{} }

func (b *bioformatsStub) Open(ctx context.Context, path string) error {
	b.path = path
	return engerrors.ErrUnsupportedFormat.WithPath(path)
}

func (b *bioformatsStub) CloseLazy() error { return nil }

func (b *bioformatsStub) ReadOmeMetadata(ctx context.Context) (OMEMetadata, error) {
	return OMEMetadata{}, engerrors.ErrUnsupportedFormat.WithPath(b.path)
}

func (b *bioformatsStub) ReadTile(ctx context.Context, series, zDir, tileX, tileY, tileW, tileH, resolution int) (*roi.Raster, error) {
	return nil, engerrors.ErrUnsupportedFormat.WithPath(b.path)
}

func (b *bioformatsStub) ReadEntire(ctx context.Context, series, zDir, resolution int) (*roi.Raster, error) {
	return nil, engerrors.ErrUnsupportedFormat.WithPath(b.path)
}

func (b *bioformatsStub) ReadThumbnail(ctx context.Context) (*roi.Raster, error) {
	return nil, engerrors.ErrUnsupportedFormat.WithPath(b.path)
}

func (b *bioformatsStub) GetTifDirs(channelIndex, timeFrame int) []int { return nil }
