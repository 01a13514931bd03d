// Package scheduler runs one analyze job: expands the work set across
// images, tiles and channels, sizes a worker pool from internal/budget,
// and drives workers through internal/channelproc and internal/pipeline
// while tracking a monotone progress counter. The fetch-loop-into-
// channel-into-N-workers shape mirrors the teacher's queue.Consumer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joda/imagec/internal/budget"
	"github.com/joda/imagec/internal/engerrors"
)

// State is one node of the job state machine: IDLE -> PREPARING ->
// RUNNING -> {FINISHED|ERROR|STOPPING->STOPPED}. Terminal states are
// sticky.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateFinished
	StateError
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePreparing:
		return "PREPARING"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateError:
		return "ERROR"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible without a
// reset.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError || s == StateStopped
}

// WorkItem is one (image, tile, channel) unit of work, the Cartesian
// product cell the scheduler expands the job into.
type WorkItem struct {
	ImageIdx   int
	TileIdx    int
	ChannelIdx int32
	// Reference marks a channel other channels of the same tile depend
	// on (reference-spot, cross-channel intensity/count sources); these
	// must complete before their dependents start.
	Reference bool
}

// WorkFunc processes one WorkItem; returning an error marks that item
// failed but does not stop the job (worker-level errors are caught and
// summarised, matching §7's propagation policy).
type WorkFunc func(ctx context.Context, item WorkItem) error

// Progress is a monotone, observable snapshot of job completion.
type Progress struct {
	Finished int64
	Total    int64
}

// ErrJobAlreadyRunning is returned by Run when the scheduler is not
// IDLE/terminal.
var ErrJobAlreadyRunning = fmt.Errorf("scheduler: job already running")

// Scheduler owns the single in-process job. Only one job runs at a
// time; Run fails with ErrJobAlreadyRunning otherwise.
type Scheduler struct {
	mu    sync.Mutex
	state State
	err   error

	stopFlag atomic.Bool
	finished atomic.Int64
	total    atomic.Int64

	log *slog.Logger
}

// New creates an idle scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{state: StateIdle, log: log}
}

// State returns the current state under lock.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any, retained until the next Reset.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress takes a non-blocking snapshot; callers may sample at any
// rate, the counter itself never moves backwards.
func (s *Scheduler) Progress() Progress {
	return Progress{Finished: s.finished.Load(), Total: s.total.Load()}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Reset returns a terminal scheduler to IDLE, clearing the retained
// error and progress counters, ready for a new job.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.state == StatePreparing || s.state == StateStopping {
		return fmt.Errorf("scheduler: cannot reset while %s", s.state)
	}
	s.state = StateIdle
	s.err = nil
	s.stopFlag.Store(false)
	s.finished.Store(0)
	s.total.Store(0)
	return nil
}

// Stop requests cooperative cancellation; workers observe the stop flag
// at WorkItem boundaries and drain without persisting partial objects.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StatePreparing {
		s.state = StateStopping
	}
	s.mu.Unlock()
	s.stopFlag.Store(true)
}

// Plan groups a job's expanded work by dominant axis, matching the
// §4.H iterate-serially-on-two-axes / parallelise-on-one-axis rule.
type Plan struct {
	Budget budget.Plan
	Items  []WorkItem
}

// BuildPlan expands images x tiles x channels into WorkItems, ordered
// so that within one tile, Reference-marked items precede their
// dependents, and computes the concurrency budget for the job.
func BuildPlan(res budget.Resources, images int, tilesOf func(imageIdx int) int, channels []int32, isReference func(channel int32) bool) Plan {
	maxTiles := 0
	totalTiles := 0
	for i := 0; i < images; i++ {
		t := tilesOf(i)
		if t > maxTiles {
			maxTiles = t
		}
		totalTiles += t
	}
	counts := budget.Counts{Images: images, Tiles: maxTiles, Channels: len(channels)}
	plan := budget.Compute(res, counts)

	var items []WorkItem
	for i := 0; i < images; i++ {
		tiles := tilesOf(i)
		for t := 0; t < tiles; t++ {
			// reference channels first, preserving the caller's order
			// within each bucket.
			for _, ch := range channels {
				if isReference(ch) {
					items = append(items, WorkItem{ImageIdx: i, TileIdx: t, ChannelIdx: ch, Reference: true})
				}
			}
			for _, ch := range channels {
				if !isReference(ch) {
					items = append(items, WorkItem{ImageIdx: i, TileIdx: t, ChannelIdx: ch})
				}
			}
		}
	}

	return Plan{Budget: plan, Items: items}
}

// Run executes plan with work, sized by plan.Budget.MaxCores workers on
// the dominant axis; the other axes iterate serially within one worker
// (encoded already by the ordering BuildPlan produced, since a worker
// simply pulls the next item off the shared queue). Blocks until every
// item is processed or the job is cancelled, then transitions to
// FINISHED, ERROR, or STOPPED.
func (s *Scheduler) Run(ctx context.Context, plan Plan, work WorkFunc) error {
	s.mu.Lock()
	if !s.state.Terminal() && s.state != StateIdle {
		s.mu.Unlock()
		return ErrJobAlreadyRunning
	}
	s.state = StatePreparing
	s.err = nil
	s.mu.Unlock()

	s.stopFlag.Store(false)
	s.finished.Store(0)
	s.total.Store(int64(len(plan.Items)))

	workers := plan.Budget.MaxCores
	if workers < 1 {
		workers = 1
	}

	itemCh := make(chan WorkItem, workers*2)
	var firstErr atomic.Value // holds error
	var dbErr atomic.Bool

	s.setState(StateRunning)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range itemCh {
				if s.stopFlag.Load() {
					continue // drain without processing; item never persists
				}
				if err := work(ctx, item); err != nil {
					if engerrors.KindOf(err) == engerrors.KindDatabaseError {
						dbErr.Store(true)
						s.stopFlag.Store(true)
						firstErr.CompareAndSwap(nil, err)
					} else {
						s.log.Warn("work item failed",
							"worker", workerID, "image", item.ImageIdx, "tile", item.TileIdx,
							"channel", item.ChannelIdx, "error", err)
					}
				}
				s.finished.Add(1)
			}
		}(w)
	}

	go func() {
		defer close(itemCh)
		for _, item := range plan.Items {
			if s.stopFlag.Load() {
				return
			}
			select {
			case itemCh <- item:
			case <-ctx.Done():
				s.stopFlag.Store(true)
				return
			}
		}
	}()

	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case dbErr.Load():
		err, _ := firstErr.Load().(error)
		s.state = StateError
		s.err = err
		return err
	case s.state == StateStopping:
		s.state = StateStopped
		return nil
	default:
		s.state = StateFinished
		return nil
	}
}

// WatchProgress invokes fn at the given interval until ctx is done or
// the scheduler reaches a terminal state, matching the >=0.4Hz sampling
// rate of §4.H. Intended for the control-API websocket hub.
func (s *Scheduler) WatchProgress(ctx context.Context, interval time.Duration, fn func(Progress, State)) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.State()
			fn(s.Progress(), st)
			if st.Terminal() {
				return
			}
		}
	}
}
