// Package notify publishes job lifecycle and progress events over NATS
// JetStream, an optional observer channel the scheduler does not depend
// on. Adapted from the teacher's queue.Producer: the same connect/
// ensure-stream/publish-by-subject shape, narrowed from per-stream frame
// and event subjects to one JOB_EVENTS stream keyed by job id.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/joda/imagec/internal/scheduler"
)

const (
	jobEventsStreamName  = "JOB_EVENTS"
	jobEventsSubjectBase = "jobs"
)

// Event is one published job lifecycle/progress notification.
type Event struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Finished  int64     `json:"finished"`
	Total     int64     `json:"total"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes Events to NATS JetStream.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewPublisher connects to natsURL and ensures the JOB_EVENTS stream
// exists. Returns (nil, nil) when url is empty, matching archive.Mirror's
// "always-holdable, nil means disabled" convention.
func NewPublisher(ctx context.Context, natsURL string) (*Publisher, error) {
	if natsURL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        jobEventsStreamName,
		Subjects:    []string{jobEventsSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     100000,
		Storage:     jetstream.FileStorage,
		Description: "imagec job lifecycle and progress events",
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", jobEventsStreamName, err)
	}
	return nil
}

// Publish sends one Event under jobs.<jobID>.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", jobEventsSubjectBase, ev.JobID)
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// PublishProgress is a convenience wrapper used by the scheduler's
// WatchProgress observer loop.
func (p *Publisher) PublishProgress(ctx context.Context, jobID string, prog scheduler.Progress, state scheduler.State, stampNow time.Time) error {
	return p.Publish(ctx, Event{
		JobID:     jobID,
		State:     state.String(),
		Finished:  prog.Finished,
		Total:     prog.Total,
		Timestamp: stampNow,
	})
}

// Close releases the underlying NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}
