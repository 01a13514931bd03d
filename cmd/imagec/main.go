// Command imagec runs the microscopy-image analysis engine: analyze a
// directory of images against a declarative settings document, generate
// tabular reports from a finished job's result database, or stop a job
// already in flight. Grounded on the teacher's cmd/api and cmd/worker
// main.go (flag-parsed config path, ordered component bring-up,
// signal-based graceful shutdown), collapsed into one binary with
// subcommands per the single `imagec` CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joda/imagec/internal/archive"
	"github.com/joda/imagec/internal/config"
	"github.com/joda/imagec/internal/controlapi"
	"github.com/joda/imagec/internal/controlapi/ws"
	"github.com/joda/imagec/internal/controller"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/export"
	"github.com/joda/imagec/internal/notify"
	"github.com/joda/imagec/internal/observability"
	"github.com/joda/imagec/internal/resultdb"
	"github.com/joda/imagec/internal/scheduler"
	"github.com/joda/imagec/internal/settings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "imagec:", err)
		os.Exit(engerrors.ExitCode(engerrors.KindOf(err)))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  imagec analyze --settings <file> --input <dir> [--config <file>] [--threads auto|N]
  imagec report  --database <file> --mode {plate|well|image|list} --out <file>
  imagec stop    [--addr <url>] [--api-key <key>]`)
}

// runAnalyze scans --input, opens a fresh result database under
// <input>/imagec/<name>-<timestamp>/, stands up the control API so an
// external UI can watch progress or request a stop, and blocks until
// the job reaches a terminal state.
func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	settingsPath := fs.String("settings", "", "path to an AnalyzeSettings JSON document")
	inputDir := fs.String("input", "", "directory of images to analyze")
	configPath := fs.String("config", "configs/config.yaml", "path to the engine config file")
	fs.String("threads", "auto", "\"auto\" or a fixed worker count; informational, the budget formula derives the real worker count")
	if err := fs.Parse(args); err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "parse flags", err)
	}
	if *settingsPath == "" || *inputDir == "" {
		return engerrors.New(engerrors.KindConfigInvalid, "--settings and --input are required", nil)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "load config", err)
	}
	log := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	raw, err := os.ReadFile(*settingsPath)
	if err != nil {
		return engerrors.New(engerrors.KindReadFailed, "read settings file", err).WithPath(*settingsPath)
	}
	analyzeSettings, err := settings.ParseAnalyzeSettings(raw)
	if err != nil {
		return err
	}
	if analyzeSettings.RunID == "" {
		analyzeSettings.RunID = fmt.Sprintf("run-%d", os.Getpid())
	}

	jobName := analyzeSettings.Name
	if jobName == "" {
		jobName = analyzeSettings.RunID
	}
	jobOutputDir := filepath.Join(*inputDir, "imagec", fmt.Sprintf("%s-%d", jobName, time.Now().Unix()))
	if err := os.MkdirAll(jobOutputDir, 0o755); err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "create job output directory", err).WithPath(jobOutputDir)
	}
	if err := os.WriteFile(filepath.Join(jobOutputDir, "settings.json"), raw, 0o644); err != nil {
		log.Warn("persist settings.json copy failed", "error", err)
	}

	store, err := resultdb.Open(context.Background(), cfg.Database.Path(jobOutputDir))
	if err != nil {
		return err
	}
	defer store.Close()

	mirror, err := archive.NewMirror(cfg.MinIO)
	if err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "init archive mirror", err)
	}
	if mirror != nil {
		if err := mirror.EnsureBucket(context.Background()); err != nil {
			log.Warn("ensure minio bucket", "error", err)
		}
	}

	var publisher *notify.Publisher
	if cfg.NATS.Enabled {
		publisher, err = notify.NewPublisher(context.Background(), cfg.NATS.URL)
		if err != nil {
			log.Warn("connect to nats", "error", err)
		}
	}
	if publisher != nil {
		defer publisher.Close()
	}

	sched := scheduler.New(log)
	ctrl := controller.New(sched, log)

	hub := ws.NewHub()
	go hub.Run()

	srv := &controlapi.Server{
		Controller: ctrl,
		Scheduler:  sched,
		Store:      store,
		Mirror:     mirror,
		Publisher:  publisher,
		Hub:        hub,
		Log:        log,
	}
	srv.BuildWork = buildWorkBuilder(sched, store, mirror, publisher, jobOutputDir, log)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ControlAPI.Port),
		Handler:      srv.NewRouter(cfg.ControlAPI.APIKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("control API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("control API shutdown error", "error", err)
		}
	}()

	scanDone := make(chan error, 1)
	ctrl.SetWorkingDirectory(*inputDir, func(_ []controller.FileInfoImage, err error) { scanDone <- err })
	if err := <-scanDone; err != nil {
		return engerrors.New(engerrors.KindReadFailed, "scan input directory", err).WithPath(*inputDir)
	}

	jobCtx, cancelJob := context.WithCancel(context.Background())
	defer cancelJob()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("stop requested, cancelling job")
		ctrl.Stop()
	}()

	plan, work, err := srv.BuildWork(jobCtx, analyzeSettings, ctrl.Images())
	if err != nil {
		return err
	}
	if err := ctrl.Start(jobCtx, plan, work); err != nil {
		return err
	}

	sched.WatchProgress(jobCtx, 500*time.Millisecond, func(p scheduler.Progress, st scheduler.State) {
		log.Info("job progress", "finished", p.Finished, "total", p.Total, "state", st.String())
	})

	switch sched.State() {
	case scheduler.StateStopped:
		return engerrors.New(engerrors.KindCancelled, "job stopped", nil)
	case scheduler.StateError:
		return sched.Err()
	default:
		log.Info("analyze finished", "database", cfg.Database.Path(jobOutputDir))
		return nil
	}
}

// runReport opens a finished job's result database and writes one
// report (plate/well/image heatmap, or a flat object list) as CSV to
// --out. xlsx encoding is out of scope (spec's Non-goal), so --out's
// content is always CSV regardless of extension.
func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dbPath := fs.String("database", "", "path to a results.duckdb file")
	mode := fs.String("mode", "", "plate|well|image|list")
	out := fs.String("out", "", "output file path")
	analyzeID := fs.String("analyze-id", "", "analyze id, required for --mode=plate")
	plateID := fs.Int("plate-id", 1, "plate id, required for --mode=plate|well")
	groupID := fs.Int("group-id", 0, "packed well group id (resultdb.GroupID), required for --mode=well")
	imageID := fs.String("image-id", "", "image id, required for --mode=image|list")
	channelID := fs.Int("channel-id", 0, "channel id, required for --mode=image|list")
	measureName := fs.String("measure", "area", "measure name: confidence, area, perimeter, circularity, center_x, center_y, bbox_width, bbox_height, intensity_avg, intensity_min, intensity_max, cross_intensity_avg, cross_intensity_min, cross_intensity_max, cross_channel_count")
	measureChannel := fs.Int("measure-channel", 0, "source channel for cross-channel measures; 0 selects the self-channel sentinel")
	if err := fs.Parse(args); err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "parse flags", err)
	}
	if *dbPath == "" || *mode == "" || *out == "" {
		return engerrors.New(engerrors.KindConfigInvalid, "--database, --mode and --out are required", nil)
	}

	store, err := resultdb.Open(context.Background(), *dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := os.Create(*out)
	if err != nil {
		return engerrors.New(engerrors.KindDatabaseError, "create output file", err).WithPath(*out)
	}
	defer f.Close()

	measure, err := measureOf(*measureName)
	if err != nil {
		return err
	}
	measureID := resultdb.NewMeasureChannelID(measure, int32(*measureChannel))

	exporter := export.CSVExporter{}
	ctx := context.Background()
	switch *mode {
	case "plate":
		return exporter.ExportPlateHeatmap(ctx, f, store, *analyzeID, *plateID, measureID)
	case "well":
		return exporter.ExportWellHeatmap(ctx, f, store, *plateID, uint16(*groupID), measureID)
	case "image":
		return exporter.ExportImageHeatmap(ctx, f, store, *imageID, int32(*channelID), measureID)
	case "list":
		return exporter.ExportList(ctx, f, store, *imageID, int32(*channelID), []resultdb.MeasureChannelID{measureID})
	default:
		return engerrors.New(engerrors.KindConfigInvalid, fmt.Sprintf("unknown report mode %q", *mode), nil)
	}
}

func measureOf(name string) (resultdb.Measure, error) {
	switch name {
	case "confidence":
		return resultdb.MeasureConfidence, nil
	case "area":
		return resultdb.MeasureArea, nil
	case "perimeter":
		return resultdb.MeasurePerimeter, nil
	case "circularity":
		return resultdb.MeasureCircularity, nil
	case "center_x":
		return resultdb.MeasureCenterOfMassX, nil
	case "center_y":
		return resultdb.MeasureCenterOfMassY, nil
	case "bbox_width":
		return resultdb.MeasureBBoxWidth, nil
	case "bbox_height":
		return resultdb.MeasureBBoxHeight, nil
	case "intensity_avg":
		return resultdb.MeasureIntensityAvg, nil
	case "intensity_min":
		return resultdb.MeasureIntensityMin, nil
	case "intensity_max":
		return resultdb.MeasureIntensityMax, nil
	case "cross_intensity_avg":
		return resultdb.MeasureCrossIntensityAvg, nil
	case "cross_intensity_min":
		return resultdb.MeasureCrossIntensityMin, nil
	case "cross_intensity_max":
		return resultdb.MeasureCrossIntensityMax, nil
	case "cross_channel_count":
		return resultdb.MeasureCrossChannelCount, nil
	default:
		return 0, engerrors.New(engerrors.KindConfigInvalid, fmt.Sprintf("unknown measure %q", name), nil)
	}
}

// runStop asks a running analyze process's control API to stop its job.
func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8090", "control API base address")
	apiKey := fs.String("api-key", "", "control API key, if the running job was started with one configured")
	if err := fs.Parse(args); err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "parse flags", err)
	}

	req, err := http.NewRequest(http.MethodPost, *addr+"/v1/jobs/stop", nil)
	if err != nil {
		return engerrors.New(engerrors.KindConfigInvalid, "build stop request", err)
	}
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return engerrors.New(engerrors.KindReadFailed, "reach control API", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engerrors.New(engerrors.KindDatabaseError, fmt.Sprintf("stop request failed: %s", resp.Status), nil)
	}
	return nil
}
