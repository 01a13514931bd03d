package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/joda/imagec/internal/archive"
	"github.com/joda/imagec/internal/budget"
	"github.com/joda/imagec/internal/channelproc"
	"github.com/joda/imagec/internal/controlapi"
	"github.com/joda/imagec/internal/controller"
	"github.com/joda/imagec/internal/detect"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/imagereader"
	"github.com/joda/imagec/internal/notify"
	"github.com/joda/imagec/internal/pipeline"
	"github.com/joda/imagec/internal/resultdb"
	"github.com/joda/imagec/internal/roi"
	"github.com/joda/imagec/internal/scheduler"
	"github.com/joda/imagec/internal/settings"
)

// tileKey identifies one (image,tile) cell, the granularity the §4.G
// cross-channel steps synchronise on.
type tileKey struct {
	imageIdx int
	tileIdx  int
}

// tileCoordinator lets the channels of one tile complete in any order
// across concurrent workers while still letting a dependent channel
// block on its reference channel's result, and letting the channel that
// finishes last run the Intersection/Voronoi barrier exactly once.
type tileCoordinator struct {
	mu        sync.Mutex
	responses pipeline.ResponseMap
	done      map[int32]chan struct{}
	remaining int
}

func newTileCoordinator(channels []int32) *tileCoordinator {
	done := make(map[int32]chan struct{}, len(channels))
	for _, ch := range channels {
		done[ch] = make(chan struct{})
	}
	return &tileCoordinator{responses: pipeline.ResponseMap{}, done: done, remaining: len(channels)}
}

// await blocks until channel ch's response has been stored, or ctx is
// done. Returns (nil, false) if ch is not a tracked channel of this tile.
func (tc *tileCoordinator) await(ctx context.Context, ch int32) (*detect.Response, bool) {
	tc.mu.Lock()
	sig, ok := tc.done[ch]
	tc.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-sig:
	case <-ctx.Done():
		return nil, false
	}
	tc.mu.Lock()
	resp := tc.responses[ch]
	tc.mu.Unlock()
	return resp, resp != nil
}

// store records ch's response, wakes any waiters, and reports whether
// this was the tile's last outstanding channel; when it is, it also
// returns an independent snapshot of every response collected so far so
// the caller can run the cross-channel barrier without holding the lock.
func (tc *tileCoordinator) store(ch int32, resp *detect.Response) (last bool, snapshot pipeline.ResponseMap) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.responses[ch] = resp
	if sig, ok := tc.done[ch]; ok {
		close(sig)
	}
	tc.remaining--
	if tc.remaining != 0 {
		return false, nil
	}
	snap := make(pipeline.ResponseMap, len(tc.responses))
	for k, v := range tc.responses {
		snap[k] = v
	}
	return true, snap
}

// jobRun holds everything one running analyze job needs to turn a
// scheduler.WorkItem into channelproc/pipeline calls and persisted
// resultdb rows. One jobRun is built per WorkBuilder call: one per
// POST /v1/jobs request, and one for the analyze command's own job.
type jobRun struct {
	store     *resultdb.Store
	mirror    *archive.Mirror
	publisher *notify.Publisher
	log       *slog.Logger

	outputDir string
	analyzeID string
	settings  *settings.AnalyzeSettings
	images    []controller.FileInfoImage

	channelOf     map[int32]settings.ChannelSettings
	refSpotOf     map[int32]int32   // channel -> reference-spot source channel, -1 if none
	intensityRefs map[int32][]int32 // channel -> cross-channel intensity sources
	countRefs     map[int32][]int32 // channel -> cross-channel count sources
	channels      []int32           // declared channel indices, in settings order

	detectorOf map[int32]detect.Detector

	readersMu sync.Mutex
	readers   map[int]imagereader.Reader

	tilesMu sync.Mutex
	tiles   map[tileKey]*tileCoordinator

	ramPerTile int64
	tileGrid   map[int][]roi.Rect // imageIdx -> tiles
}

// buildWorkBuilder returns the controlapi.WorkBuilder closure that wires
// channelproc + internal/pipeline + resultdb together for one job. sched
// is captured so the returned closure can spawn a watcher that releases
// per-job resources (open readers, detector sessions) once the job
// reaches a terminal state; it does not itself start the job.
func buildWorkBuilder(sched *scheduler.Scheduler, store *resultdb.Store, mirror *archive.Mirror, publisher *notify.Publisher, outputDir string, log *slog.Logger) controlapi.WorkBuilder {
	return func(ctx context.Context, s *settings.AnalyzeSettings, images []controller.FileInfoImage) (scheduler.Plan, scheduler.WorkFunc, error) {
		run, err := newJobRun(s, images, store, mirror, publisher, outputDir, log)
		if err != nil {
			return scheduler.Plan{}, nil, err
		}

		if err := run.persistMetadata(ctx); err != nil {
			return scheduler.Plan{}, nil, err
		}

		resources, err := run.probeResources(ctx)
		if err != nil {
			return scheduler.Plan{}, nil, err
		}

		isReference := func(ch int32) bool { return run.isReferenceChannel(ch) }
		plan := scheduler.BuildPlan(resources, len(images), run.tilesOf, run.channels, isReference)

		go func() {
			sched.WatchProgress(ctx, 0, func(_ scheduler.Progress, st scheduler.State) {
				if !st.Terminal() {
					return
				}
				run.close()
			})
		}()

		return plan, run.process, nil
	}
}

func newJobRun(s *settings.AnalyzeSettings, images []controller.FileInfoImage, store *resultdb.Store, mirror *archive.Mirror, publisher *notify.Publisher, outputDir string, log *slog.Logger) (*jobRun, error) {
	run := &jobRun{
		store:         store,
		mirror:        mirror,
		publisher:     publisher,
		outputDir:     outputDir,
		log:           log,
		analyzeID:     s.RunID,
		settings:      s,
		images:        images,
		channelOf:     make(map[int32]settings.ChannelSettings, len(s.Channels)),
		refSpotOf:     make(map[int32]int32, len(s.Channels)),
		intensityRefs: make(map[int32][]int32, len(s.Channels)),
		countRefs:     make(map[int32][]int32, len(s.Channels)),
		detectorOf:    make(map[int32]detect.Detector, len(s.Channels)),
		readers:       make(map[int]imagereader.Reader),
		tiles:         make(map[tileKey]*tileCoordinator),
		tileGrid:      make(map[int][]roi.Rect),
	}

	for _, ch := range s.Channels {
		run.channelOf[ch.ChannelIndex] = ch
		run.channels = append(run.channels, ch.ChannelIndex)
		run.refSpotOf[ch.ChannelIndex] = ch.Filter.ReferenceSpotChannelIndex
		for _, ref := range ch.IntensityRefs {
			run.intensityRefs[ch.ChannelIndex] = append(run.intensityRefs[ch.ChannelIndex], ref.SourceChannelIndex)
		}
		for _, ref := range ch.CountRefs {
			run.countRefs[ch.ChannelIndex] = append(run.countRefs[ch.ChannelIndex], ref.SourceChannelIndex)
		}

		detector, err := controller.BuildDetector(ch)
		if err != nil {
			run.close()
			return nil, err
		}
		run.detectorOf[ch.ChannelIndex] = detector
	}

	return run, nil
}

// isReferenceChannel reports whether ch is consumed by another channel
// as a reference-spot source, an intensity reference, or by a §4.G step
// as a source/points-from channel; such channels must be scheduled
// before their dependents within one tile.
func (r *jobRun) isReferenceChannel(ch int32) bool {
	for _, c := range r.settings.Channels {
		if c.Filter.ReferenceSpotChannelIndex == ch {
			return true
		}
		for _, ref := range c.IntensityRefs {
			if ref.SourceChannelIndex == ch {
				return true
			}
		}
		for _, ref := range c.CountRefs {
			if ref.SourceChannelIndex == ch {
				return true
			}
		}
	}
	for _, step := range r.settings.Pipeline.Intersections {
		for _, src := range step.SourceChannels {
			if src == ch {
				return true
			}
		}
	}
	for _, step := range r.settings.Pipeline.Voronoi {
		if step.PointsFromChannel == ch {
			return true
		}
	}
	return false
}

// persistMetadata upserts the job's AnalyzeMeta, per-image metadata, and
// per-channel MeasureChannelId declarations once, before any WorkItem
// runs.
func (r *jobRun) persistMetadata(ctx context.Context) error {
	settingsJSON, err := r.settings.Marshal()
	if err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "marshal settings", err)
	}
	if err := r.store.UpsertAnalyze(ctx, resultdb.AnalyzeMeta{
		AnalyzeID:    r.analyzeID,
		RunID:        r.analyzeID,
		Name:         r.settings.Name,
		Scientists:   r.settings.Scientists,
		Organisation: r.settings.Organisation,
		Notes:        r.settings.Notes,
		SettingsJSON: string(settingsJSON),
	}); err != nil {
		return err
	}
	if err := r.store.UpsertPlate(ctx, resultdb.PlateMeta{AnalyzeID: r.analyzeID, PlateID: 1}); err != nil {
		return err
	}

	for _, ch := range r.settings.Channels {
		measures := measuresOf(ch)
		if err := r.store.UpsertChannel(ctx, resultdb.ChannelMeta{
			AnalyzeID: r.analyzeID, ChannelID: ch.ChannelIndex, Name: ch.Name, Measurements: measures,
		}); err != nil {
			return err
		}
	}

	for idx, img := range r.images {
		wellX, wellY := wellPositionOf(img.Path, r.settings.Plate)
		groupID := resultdb.GroupID(wellX, wellY)
		imageID := imageIDOf(img.Path, idx)

		var width, height int
		if reader, err := r.readerFor(ctx, idx); err == nil {
			if meta, err := reader.ReadOmeMetadata(ctx); err == nil && len(meta.Resolutions) > 0 {
				width, height = meta.Resolutions[0].Width, meta.Resolutions[0].Height
			}
		}

		if err := r.store.UpsertGroup(ctx, resultdb.GroupMeta{
			AnalyzeID: r.analyzeID, PlateID: 1, GroupID: groupID, WellPosX: wellX, WellPosY: wellY,
		}); err != nil {
			return err
		}
		if err := r.store.UpsertImage(ctx, resultdb.ImageMeta{
			AnalyzeID: r.analyzeID, PlateID: 1, GroupID: groupID, ImageID: imageID, ImageIdx: idx,
			OriginalPath: img.Path, Width: width, Height: height,
		}); err != nil {
			return err
		}
		for _, ch := range r.settings.Channels {
			if err := r.store.UpsertImageChannel(ctx, resultdb.ImageChannelMeta{ImageID: imageID, ChannelID: ch.ChannelIndex}); err != nil {
				return err
			}
		}
	}
	return nil
}

// measuresOf lists the MeasureChannelIds one channel's objects carry:
// the fixed self-channel geometry/intensity set plus one cross-channel
// entry per declared intensity/count reference.
func measuresOf(ch settings.ChannelSettings) []resultdb.MeasureChannelID {
	out := []resultdb.MeasureChannelID{
		resultdb.NewMeasureChannelID(resultdb.MeasureConfidence, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasurePerimeter, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureCircularity, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureCenterOfMassX, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureCenterOfMassY, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureBBoxWidth, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureBBoxHeight, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityAvg, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityMin, resultdb.SelfChannel),
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityMax, resultdb.SelfChannel),
	}
	for _, ref := range ch.IntensityRefs {
		out = append(out,
			resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityAvg, ref.SourceChannelIndex),
			resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMin, ref.SourceChannelIndex),
			resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMax, ref.SourceChannelIndex),
		)
	}
	for _, ref := range ch.CountRefs {
		out = append(out, resultdb.NewMeasureChannelID(resultdb.MeasureCrossChannelCount, ref.SourceChannelIndex))
	}
	return out
}

// probeResources samples the host and the first image's OME metadata to
// build a budget.Resources snapshot, reusing controller's RAM probe
// strategy (§4.H).
func (r *jobRun) probeResources(ctx context.Context) (budget.Resources, error) {
	if len(r.images) == 0 {
		return budget.Resources{}, engerrors.New(engerrors.KindConfigInvalid, "no images found in working directory", nil)
	}
	reader, err := r.readerFor(ctx, 0)
	if err != nil {
		return budget.Resources{}, err
	}
	meta, err := reader.ReadOmeMetadata(ctx)
	if err != nil {
		return budget.Resources{}, err
	}

	var ramPerTile int64 = 1
	if len(meta.Resolutions) > 0 {
		res := meta.Resolutions[0]
		ramPerTile = res.ByteFootprint
		if ramPerTile > channelproc.MaxImageSizeBytesToLoadAtOnce && res.TileWidth > 0 && res.TileHeight > 0 {
			ramPerTile = int64(res.TileWidth) * int64(res.TileHeight) * 2
		}
		if ramPerTile <= 0 {
			ramPerTile = 1
		}
	}
	r.ramPerTile = ramPerTile

	return budget.Resources{
		CPUs:         runtime.NumCPU(),
		AvailableRAM: availableRAM(),
		RAMPerTile:   ramPerTile,
	}, nil
}

// availableRAM samples the process's reported system memory, the same
// probe strategy internal/controller uses for its own budget estimate.
func availableRAM() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Sys)
}

// tilesOf computes the tile grid for one image, splitting into the
// reader's TileWidth x TileHeight cells when the image's footprint
// exceeds channelproc.MaxImageSizeBytesToLoadAtOnce, and caches the grid
// for process to reuse.
func (r *jobRun) tilesOf(imageIdx int) int {
	if grid, ok := r.tileGrid[imageIdx]; ok {
		return len(grid)
	}
	ctx := context.Background()
	reader, err := r.readerFor(ctx, imageIdx)
	if err != nil {
		r.tileGrid[imageIdx] = []roi.Rect{{}}
		return 1
	}
	meta, err := reader.ReadOmeMetadata(ctx)
	if err != nil || len(meta.Resolutions) == 0 {
		r.tileGrid[imageIdx] = []roi.Rect{{}}
		return 1
	}
	res := meta.Resolutions[0]
	grid := []roi.Rect{{X: 0, Y: 0, W: res.Width, H: res.Height}}
	if res.ByteFootprint > channelproc.MaxImageSizeBytesToLoadAtOnce && res.TileWidth > 0 && res.TileHeight > 0 {
		grid = grid[:0]
		for y := 0; y < res.Height; y += res.TileHeight {
			for x := 0; x < res.Width; x += res.TileWidth {
				w, h := res.TileWidth, res.TileHeight
				if x+w > res.Width {
					w = res.Width - x
				}
				if y+h > res.Height {
					h = res.Height - y
				}
				grid = append(grid, roi.Rect{X: x, Y: y, W: w, H: h})
			}
		}
	}
	r.tileGrid[imageIdx] = grid
	return len(grid)
}

func (r *jobRun) readerFor(ctx context.Context, imageIdx int) (imagereader.Reader, error) {
	r.readersMu.Lock()
	defer r.readersMu.Unlock()
	if reader, ok := r.readers[imageIdx]; ok {
		return reader, nil
	}
	if imageIdx < 0 || imageIdx >= len(r.images) {
		return nil, engerrors.New(engerrors.KindConfigInvalid, "image index out of range", nil)
	}
	reader, err := imagereader.Open(ctx, r.images[imageIdx].Path)
	if err != nil {
		return nil, err
	}
	r.readers[imageIdx] = reader
	return reader, nil
}

func (r *jobRun) coordinatorFor(key tileKey) *tileCoordinator {
	r.tilesMu.Lock()
	defer r.tilesMu.Unlock()
	tc, ok := r.tiles[key]
	if !ok {
		tc = newTileCoordinator(r.channels)
		r.tiles[key] = tc
	}
	return tc
}

// process is the scheduler.WorkFunc: it runs one (image,tile,channel)
// through channelproc, blocking on any declared reference channel of
// the same tile, then stores the result into that tile's coordinator.
// Whichever call turns out to be the tile's last outstanding channel
// runs the §4.G Intersection/Voronoi barrier and persists the whole
// tile's objects in one transaction.
func (r *jobRun) process(ctx context.Context, item scheduler.WorkItem) error {
	ch, ok := r.channelOf[item.ChannelIdx]
	if !ok {
		return engerrors.New(engerrors.KindConfigInvalid, fmt.Sprintf("unknown channel %d", item.ChannelIdx), nil).WithChannel(item.ChannelIdx)
	}
	key := tileKey{imageIdx: item.ImageIdx, tileIdx: item.TileIdx}
	tc := r.coordinatorFor(key)

	reader, err := r.readerFor(ctx, item.ImageIdx)
	if err != nil {
		return err
	}

	grid := r.tileGrid[item.ImageIdx]
	var tile roi.Rect
	if item.TileIdx >= 0 && item.TileIdx < len(grid) {
		tile = grid[item.TileIdx]
	}

	var refResp *detect.Response
	refChan := r.refSpotOf[ch.ChannelIndex]
	if refChan >= 0 {
		resp, ok := tc.await(ctx, refChan)
		if ok {
			refResp = resp
		}
	}

	zDir := 0
	if dirs := reader.GetTifDirs(int(ch.ChannelIndex), 0); len(dirs) > 0 {
		zDir = dirs[0]
	}
	chain, err := controller.BuildChain(ch.Preprocessing)
	if err != nil {
		return err
	}

	originalsByChannel := make(map[int32]*roi.Raster)
	for _, src := range r.intensityRefs[ch.ChannelIndex] {
		if resp, ok := tc.await(ctx, src); ok && resp != nil {
			originalsByChannel[src] = resp.Original
		}
	}

	countRefResponses := make(map[int32]*detect.Response)
	for _, src := range r.countRefs[ch.ChannelIndex] {
		if resp, ok := tc.await(ctx, src); ok && resp != nil {
			countRefResponses[src] = resp
		}
	}

	resp, err := channelproc.ProcessChannel(ctx, channelproc.Input{
		Reader:                       reader,
		Series:                       ch.SeriesIndex,
		ZDir:                         zDir,
		Tile:                         tile,
		Resolution:                   0,
		ChannelIndex:                 ch.ChannelIndex,
		Chain:                        chain,
		Detector:                     r.detectorOf[ch.ChannelIndex],
		Filter:                       filterSettingsOf(ch.Filter),
		ReferenceSpotChannel:         refChan,
		ReferenceSpotResponses:       refResp,
		MaxObjects:                   r.settings.MaxObjectsPerImage,
		HistMinThresholdFilterFactor: r.settings.HistMinThresholdFilterFactor,
		ThresholdMin:                 ch.Detection.Threshold.ThresholdMin,
		ImageFilterMode:              channelproc.ImageFilterTagOnly,
		IntensityRefChannels:         r.intensityRefs[ch.ChannelIndex],
		OriginalsByChannel:           originalsByChannel,
		CountRefChannels:             r.countRefs[ch.ChannelIndex],
		CountRefResponses:            countRefResponses,
	})
	if err != nil {
		return err
	}

	last, snapshot := tc.store(ch.ChannelIndex, resp)
	if !last {
		return nil
	}

	r.tilesMu.Lock()
	delete(r.tiles, key)
	r.tilesMu.Unlock()

	r.runCrossChannelSteps(snapshot)
	return r.persistTile(ctx, key, snapshot)
}

// runCrossChannelSteps applies every declared Intersection then Voronoi
// step, in declaration order, against the tile's full response map; each
// step's SelfChannel output becomes available to any step declared after
// it, matching §4.G's ordered-composition rule.
func (r *jobRun) runCrossChannelSteps(responses pipeline.ResponseMap) {
	for _, step := range r.settings.Pipeline.Intersections {
		pipeline.IntersectionStep{
			SelfChannel:          step.SelfChannel,
			SourceChannels:       step.SourceChannels,
			MinIntersectionRatio: step.MinIntersectionRatio,
			Filter:               filterSettingsOf(r.channelOf[step.SelfChannel].Filter),
		}.Run(responses)
	}
	for _, step := range r.settings.Pipeline.Voronoi {
		pipeline.VoronoiStep{
			PointsFromChannel: step.PointsFromChannel,
			SelfChannel:       step.SelfChannel,
			MaxRadius:         step.MaxRadius,
			Filter:            filterSettingsOf(r.channelOf[step.SelfChannel].Filter),
		}.Run(responses)
	}
}

// persistTile flattens every channel's (including synthetic §4.G
// channels') ROIs into resultdb.ObjectRow batches and writes them in one
// InsertObjects call; each channel's per-image-channel validity summary
// is upserted separately, before the objects are inserted.
func (r *jobRun) persistTile(ctx context.Context, key tileKey, responses pipeline.ResponseMap) error {
	imageID := imageIDOf(r.images[key.imageIdx].Path, key.imageIdx)

	var rows []resultdb.ObjectRow
	for chIdx, resp := range responses {
		if resp == nil {
			continue
		}
		for _, roiObj := range resp.Results.All() {
			rows = append(rows, resultdb.ObjectRow{
				ImageID:        imageID,
				ChannelID:      chIdx,
				TileID:         int32(key.tileIdx),
				ObjectID:       roiObj.Index,
				ValidityBits:   uint32(roiObj.Validity),
				ValueByMeasure: valuesOf(roiObj, chIdx),
			})
		}

		if err := r.store.UpsertImageChannel(ctx, resultdb.ImageChannelMeta{
			ImageID:       imageID,
			ChannelID:     chIdx,
			ValidityBits:  uint32(resp.Validity),
			InvalidateAll: resp.InvalidateWholeImage,
		}); err != nil {
			return err
		}
	}

	return r.store.InsertObjects(ctx, rows)
}

// valuesOf packs one ROI's geometry, self-channel intensity, and any
// sampled cross-channel intensity into the ValueByMeasure map
// InsertObjects expects.
func valuesOf(r *roi.ROI, channel int32) map[resultdb.MeasureChannelID][]float64 {
	out := map[resultdb.MeasureChannelID][]float64{
		resultdb.NewMeasureChannelID(resultdb.MeasureConfidence, resultdb.SelfChannel):    {r.Confidence},
		resultdb.NewMeasureChannelID(resultdb.MeasureArea, resultdb.SelfChannel):          {r.Area},
		resultdb.NewMeasureChannelID(resultdb.MeasurePerimeter, resultdb.SelfChannel):     {r.Perimeter},
		resultdb.NewMeasureChannelID(resultdb.MeasureCircularity, resultdb.SelfChannel):   {r.Circularity},
		resultdb.NewMeasureChannelID(resultdb.MeasureCenterOfMassX, resultdb.SelfChannel): {r.CenterX},
		resultdb.NewMeasureChannelID(resultdb.MeasureCenterOfMassY, resultdb.SelfChannel): {r.CenterY},
		resultdb.NewMeasureChannelID(resultdb.MeasureBBoxWidth, resultdb.SelfChannel):     {float64(r.BBox.W)},
		resultdb.NewMeasureChannelID(resultdb.MeasureBBoxHeight, resultdb.SelfChannel):    {float64(r.BBox.H)},
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityAvg, resultdb.SelfChannel):  {r.Intensity.Avg},
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityMin, resultdb.SelfChannel):  {r.Intensity.Min},
		resultdb.NewMeasureChannelID(resultdb.MeasureIntensityMax, resultdb.SelfChannel):  {r.Intensity.Max},
	}
	for src, stat := range r.CrossIntensity {
		out[resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityAvg, src)] = []float64{stat.Avg}
		out[resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMin, src)] = []float64{stat.Min}
		out[resultdb.NewMeasureChannelID(resultdb.MeasureCrossIntensityMax, src)] = []float64{stat.Max}
	}
	for src, count := range r.CrossCount {
		out[resultdb.NewMeasureChannelID(resultdb.MeasureCrossChannelCount, src)] = []float64{float64(count)}
	}
	return out
}

// close releases every resource this job run opened: readers and
// detector sessions. Safe to call once a job reaches a terminal state.
func (r *jobRun) close() {
	r.readersMu.Lock()
	for _, reader := range r.readers {
		_ = reader.CloseLazy()
	}
	r.readersMu.Unlock()

	for _, d := range r.detectorOf {
		_ = d.Close()
	}

	if r.mirror != nil {
		if err := r.mirror.MirrorJobOutput(context.Background(), r.analyzeID, r.outputDir); err != nil {
			r.log.Warn("mirror job output failed", "error", err)
		}
	}
}

// filterSettingsOf is a thin alias over controller.FilterOf, the single
// source of truth for translating a channel's declarative filter into
// roi.FilterSettings.
func filterSettingsOf(f settings.ChannelFilter) roi.FilterSettings { return controller.FilterOf(f) }

// wellFilenameRegex falls back to the common "<row-letter><col-number>"
// plate-position token (e.g. "_A10_", "-B02.") when a job does not
// declare its own settings.PlateLayout.FilenameRegex. The letter must be
// bounded by a separator or the string edges so it does not latch onto
// an unrelated letter+digit pair inside another token (e.g. the "e1" in
// "plate1_A10_s1.tif").
var wellFilenameRegex = regexp.MustCompile(`(?i)(?:^|[_-])([A-Za-z])(\d{1,2})(?:[_.-]|$)`)

// wellPositionOf derives a well's (x,y) grid position from an image's
// file name, per the regex declared in layout (or the default pattern),
// matching the legacy engine's "position on the plate is derived from a
// regex over the filename" convention. Unmatched names map to well A1.
func wellPositionOf(path string, layout settings.PlateLayout) (x, y uint8) {
	re := wellFilenameRegex
	if layout.FilenameRegex != "" {
		if compiled, err := regexp.Compile(layout.FilenameRegex); err == nil {
			re = compiled
		}
	}
	name := filepath.Base(path)
	m := re.FindStringSubmatch(name)
	if len(m) < 3 {
		return 0, 0
	}
	row := []rune(strings.ToUpper(m[1]))[0]
	col, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0
	}
	return uint8(col - 1), uint8(row - 'A')
}

// imageIDOf derives a stable, human-readable image id from its on-disk
// path and dense scan index, unique within one job's scan results.
func imageIDOf(path string, idx int) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fmt.Sprintf("%s_%d", base, idx)
}
