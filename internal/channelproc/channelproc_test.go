package channelproc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/imagereader"
	"github.com/joda/imagec/internal/preprocess"
	"github.com/joda/imagec/internal/roi"
)

type fakeReader struct {
	pix *roi.Raster
}

func (f *fakeReader) Open(ctx context.Context, path string) error { return nil }
func (f *fakeReader) CloseLazy() error                            { return nil }
func (f *fakeReader) ReadOmeMetadata(ctx context.Context) (imagereader.OMEMetadata, error) {
	return imagereader.OMEMetadata{
		Resolutions: []imagereader.Resolution{{Index: 0, Width: f.pix.Width, Height: f.pix.Height, ByteFootprint: 1}},
	}, nil
}
func (f *fakeReader) ReadTile(ctx context.Context, series, zDir, x, y, w, h, res int) (*roi.Raster, error) {
	out := roi.NewRaster(w, h)
	for yy := 0; yy < h; yy++ {
		for xx := 0; xx < w; xx++ {
			out.Set(xx, yy, f.pix.At(x+xx, y+yy))
		}
	}
	return out, nil
}
func (f *fakeReader) ReadEntire(ctx context.Context, series, zDir, res int) (*roi.Raster, error) {
	return f.pix, nil
}
func (f *fakeReader) ReadThumbnail(ctx context.Context) (*roi.Raster, error) { return f.pix, nil }
func (f *fakeReader) GetTifDirs(channelIndex, timeFrame int) []int           { return []int{0} }

func blobRaster(w, h, bx, by, bw, bh int, v uint16) *roi.Raster {
	r := roi.NewRaster(w, h)
	for y := by; y < by+bh; y++ {
		for x := bx; x < bx+bw; x++ {
			r.Set(x, y, v)
		}
	}
	return r
}

func TestProcessChannel_HappyPath(t *testing.T) {
	reader := &fakeReader{pix: blobRaster(32, 32, 4, 4, 8, 8, 2000)}
	d := detect.NewThresholdDetector(detect.ThresholdConfig{Mode: detect.ThresholdManual, MinValue: 100})

	resp, err := ProcessChannel(context.Background(), Input{
		Reader:       reader,
		Tile:         roi.Rect{X: 0, Y: 0, W: 32, H: 32},
		ChannelIndex: 0,
		Chain:        preprocess.Chain{},
		Detector:     d,
		Filter:       roi.FilterSettings{},
		ReferenceSpotChannel: -1,
	})

	require.NoError(t, err)
	require.Equal(t, 1, resp.Results.Len())
	assert.Equal(t, float64(64), resp.Results.At(0).Area)
}

func TestProcessChannel_MaxObjectsMarksPossibleNoise(t *testing.T) {
	r := roi.NewRaster(20, 20)
	for y := 0; y < 20; y += 2 {
		for x := 0; x < 20; x += 2 {
			r.Set(x, y, 1000)
		}
	}
	reader := &fakeReader{pix: r}
	d := detect.NewThresholdDetector(detect.ThresholdConfig{Mode: detect.ThresholdManual, MinValue: 100})

	resp, err := ProcessChannel(context.Background(), Input{
		Reader:               reader,
		Tile:                 roi.Rect{X: 0, Y: 0, W: 20, H: 20},
		ChannelIndex:          0,
		Chain:                 preprocess.Chain{},
		Detector:              d,
		MaxObjects:            1,
		ImageFilterMode:       ImageFilterTagOnly,
		ReferenceSpotChannel:  -1,
	})

	require.NoError(t, err)
	assert.True(t, resp.Validity&detect.ResponsePossibleNoise != 0)
}

func TestCountCrossChannel_CountsOverlappingObjects(t *testing.T) {
	original := roi.NewRaster(20, 20)

	mask := roi.NewRaster(10, 10)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			mask.Set(x, y, 1)
		}
	}
	self := roi.New(0, 1, 0, roi.Rect{X: 0, Y: 0, W: 10, H: 10}, mask, nil, original, 0, roi.FilterSettings{})

	overlapping := roi.New(0, 1, 0, roi.Rect{X: 5, Y: 5, W: 10, H: 10}, mask.Clone(), nil, original, 1, roi.FilterSettings{})
	disjoint := roi.New(1, 1, 0, roi.Rect{X: 15, Y: 15, W: 5, H: 5}, roi.NewRaster(5, 5), nil, original, 1, roi.FilterSettings{})
	// disjoint has an all-zero mask, so it never intersects self regardless of bbox placement.

	results := roi.NewDetectionResults(64)
	results.Push(self)
	otherResults := roi.NewDetectionResults(64)
	otherResults.Push(overlapping)
	otherResults.Push(disjoint)

	resp := &detect.Response{Results: results}
	in := Input{
		Filter:            roi.FilterSettings{},
		CountRefChannels:  []int32{1},
		CountRefResponses: map[int32]*detect.Response{1: {Results: otherResults}},
	}

	countCrossChannel(resp, in)

	assert.Equal(t, 1, self.CrossCount[1])
}

func TestProcessChannel_EmptyTileIsConfigInvalid(t *testing.T) {
	reader := &fakeReader{pix: roi.NewRaster(4, 4)}
	_, err := ProcessChannel(context.Background(), Input{
		Reader: reader,
		Tile:   roi.Rect{},
		ReferenceSpotChannel: -1,
	})
	require.Error(t, err)
}
