// Package controller is the single-job lifecycle façade: working
// directory discovery, optimal-thread-count probing, and start/stop/
// reset/preview forwarding to internal/scheduler. Narrowed from the
// teacher's Manager (a map of concurrently active streams) to exactly
// one job, matching the single-job invariant of §4.H.
package controller

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joda/imagec/internal/budget"
	"github.com/joda/imagec/internal/channelproc"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/imagereader"
	"github.com/joda/imagec/internal/roi"
	"github.com/joda/imagec/internal/scheduler"
	"github.com/joda/imagec/internal/settings"
)

var supportedExt = map[string]struct{}{
	".tif": {}, ".tiff": {}, ".btif": {}, ".btiff": {}, ".btf": {},
	".vsi": {}, ".ics": {}, ".czi": {},
	".jpg": {}, ".jpeg": {},
}

// FileInfoImage is one discovered on-disk image.
type FileInfoImage struct {
	Path string
}

// Preview is the outcome of running §4.F exactly once outside the
// scheduler, for interactive feedback; it is never persisted.
type Preview struct {
	Original *roi.Raster
	Control  *roi.Raster
	Objects  int
}

// Controller owns one job's working-directory scan results and forwards
// lifecycle calls to a scheduler.Scheduler.
type Controller struct {
	sched *scheduler.Scheduler
	log   *slog.Logger

	mu       sync.RWMutex
	workDir  string
	images   []FileInfoImage
	scanning atomic.Bool

	availableRAM func() int64 // overridable for tests
}

// New creates a Controller bound to sched.
func New(sched *scheduler.Scheduler, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{sched: sched, log: log, availableRAM: defaultAvailableRAM}
}

func defaultAvailableRAM() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Sys)
}

// SetWorkingDirectory triggers an asynchronous recursive walk of path,
// collecting every file whose extension the reader set supports. onDone
// is invoked exactly once, from the scan goroutine, with the final list
// (or the first walk error).
func (c *Controller) SetWorkingDirectory(path string, onDone func([]FileInfoImage, error)) {
	c.scanning.Store(true)
	go func() {
		defer c.scanning.Store(false)

		var found []FileInfoImage
		walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(p))
			if _, ok := supportedExt[ext]; ok {
				found = append(found, FileInfoImage{Path: p})
			}
			return nil
		})

		c.mu.Lock()
		c.workDir = path
		c.images = found
		c.mu.Unlock()

		if onDone != nil {
			onDone(found, walkErr)
		}
	}()
}

// IsLookingForFiles reports whether a directory scan is in flight.
func (c *Controller) IsLookingForFiles() bool { return c.scanning.Load() }

// Images returns the most recently completed scan's results.
func (c *Controller) Images() []FileInfoImage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]FileInfoImage, len(c.images))
	copy(out, c.images)
	return out
}

// CalcOptimalThreadNumber opens the sample image's OME metadata and
// derives (imgCount, tileCount, channelCount, ramPerTile), then runs the
// §4.H budget formula against the live host resource snapshot.
func (c *Controller) CalcOptimalThreadNumber(ctx context.Context, s *settings.AnalyzeSettings, sampleImageIndex int) (budget.Plan, error) {
	images := c.Images()
	if sampleImageIndex < 0 || sampleImageIndex >= len(images) {
		return budget.Plan{}, engerrors.New(engerrors.KindConfigInvalid, "sample image index out of range", nil)
	}

	reader, err := imagereader.Open(ctx, images[sampleImageIndex].Path)
	if err != nil {
		return budget.Plan{}, err
	}
	defer reader.CloseLazy()

	meta, err := reader.ReadOmeMetadata(ctx)
	if err != nil {
		return budget.Plan{}, err
	}

	var ramPerTile int64
	tileCount := 1
	if len(meta.Resolutions) > 0 {
		res := meta.Resolutions[0]
		ramPerTile = res.ByteFootprint
		if ramPerTile > channelproc.MaxImageSizeBytesToLoadAtOnce && res.TileWidth > 0 && res.TileHeight > 0 {
			tilesX := (res.Width + res.TileWidth - 1) / res.TileWidth
			tilesY := (res.Height + res.TileHeight - 1) / res.TileHeight
			tileCount = tilesX * tilesY
			ramPerTile = int64(res.TileWidth) * int64(res.TileHeight) * 2
		}
	}
	if ramPerTile <= 0 {
		ramPerTile = 1 // avoid div-by-zero; budget.Compute treats <=0 as "no RAM bound"
	}

	resources := budget.Resources{
		CPUs:         runtime.NumCPU(),
		AvailableRAM: c.availableRAM(),
		RAMPerTile:   ramPerTile,
	}
	counts := budget.Counts{
		Images:   len(images),
		Tiles:    tileCount,
		Channels: len(s.Channels),
	}
	return budget.Compute(resources, counts), nil
}

// Start runs plan, which the caller has already built, asynchronously;
// the scheduler's own state
// machine reports progress and terminal outcome. work is supplied by
// the caller (cmd/imagec wires it to channelproc+resultdb+pipeline).
func (c *Controller) Start(ctx context.Context, plan scheduler.Plan, work scheduler.WorkFunc) error {
	if c.sched.State() == scheduler.StateRunning || c.sched.State() == scheduler.StatePreparing {
		return scheduler.ErrJobAlreadyRunning
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.sched.Run(ctx, plan, work)
	}()
	select {
	case err := <-errCh:
		return err
	default:
		return nil // started; caller observes completion via Scheduler.Progress/State
	}
}

// Stop requests cooperative cancellation of the running job.
func (c *Controller) Stop() { c.sched.Stop() }

// ResetJob returns a terminal scheduler to IDLE for the next job.
func (c *Controller) ResetJob() error { return c.sched.Reset() }

// Preview runs exactly one (tile,channel) invocation of §4.F outside the
// scheduler for interactive feedback; it never persists to resultdb.
func (c *Controller) Preview(ctx context.Context, ch settings.ChannelSettings, imgIdx, tileX, tileY, tileW, tileH, resolution int) (*Preview, error) {
	images := c.Images()
	if imgIdx < 0 || imgIdx >= len(images) {
		return nil, engerrors.New(engerrors.KindConfigInvalid, "image index out of range", nil)
	}

	reader, err := imagereader.Open(ctx, images[imgIdx].Path)
	if err != nil {
		return nil, err
	}
	defer reader.CloseLazy()

	chain, err := BuildChain(ch.Preprocessing)
	if err != nil {
		return nil, err
	}
	detector, err := BuildDetector(ch)
	if err != nil {
		return nil, err
	}
	defer detector.Close()

	zDir := 0
	if dirs := reader.GetTifDirs(int(ch.ChannelIndex), 0); len(dirs) > 0 {
		zDir = dirs[0]
	}

	resp, err := channelproc.ProcessChannel(ctx, channelproc.Input{
		Reader:               reader,
		Series:               ch.SeriesIndex,
		ZDir:                 zDir,
		Tile:                 roi.Rect{X: tileX, Y: tileY, W: tileW, H: tileH},
		Resolution:           resolution,
		ChannelIndex:         ch.ChannelIndex,
		Chain:                chain,
		Detector:             detector,
		Filter:               FilterOf(ch.Filter),
		ReferenceSpotChannel: -1,
	})
	if err != nil {
		return nil, err
	}

	return &Preview{Original: resp.Original, Control: resp.Control, Objects: resp.Results.Len()}, nil
}
