package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/budget"
	"github.com/joda/imagec/internal/engerrors"
)

func TestBuildPlan_ReferenceChannelsComeFirstWithinATile(t *testing.T) {
	res := budget.Resources{CPUs: 4, AvailableRAM: 1 << 30, RAMPerTile: 1 << 20}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0, 1, 2}, func(ch int32) bool { return ch == 1 })

	require.Len(t, plan.Items, 3)
	assert.Equal(t, int32(1), plan.Items[0].ChannelIdx)
	assert.True(t, plan.Items[0].Reference)
	assert.False(t, plan.Items[1].Reference)
	assert.False(t, plan.Items[2].Reference)
}

func TestScheduler_RunProcessesAllItemsAndFinishes(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 4, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 2, func(int) int { return 2 }, []int32{0, 1}, func(int32) bool { return false })

	var processed atomic.Int64
	err := s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error {
		processed.Add(1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateFinished, s.State())
	assert.Equal(t, int64(len(plan.Items)), processed.Load())
	p := s.Progress()
	assert.Equal(t, p.Total, p.Finished)
}

func TestScheduler_WorkItemErrorsDoNotAbortTheJob(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 2, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0, 1, 2}, func(int32) bool { return false })

	err := s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error {
		if item.ChannelIdx == 1 {
			return engerrors.New(engerrors.KindDetectorFailed, "boom", errors.New("fail"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateFinished, s.State())
}

func TestScheduler_DatabaseErrorTransitionsToError(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 2, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0, 1}, func(int32) bool { return false })

	err := s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error {
		return engerrors.New(engerrors.KindDatabaseError, "disk full", errors.New("io"))
	})

	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.NotNil(t, s.Err())
}

func TestScheduler_StopDrainsWithoutProcessingRemaining(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 1, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0, 1, 2, 3, 4}, func(int32) bool { return false })

	var processed atomic.Int64
	err := s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error {
		n := processed.Add(1)
		if n == 1 {
			s.Stop()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State())
	assert.Less(t, processed.Load(), int64(len(plan.Items)))
}

func TestScheduler_CannotRunTwiceConcurrently(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 2, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0}, func(int32) bool { return false })

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error { return nil })
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)
	close(release)
}

func TestScheduler_ResetClearsTerminalState(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 2, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0}, func(int32) bool { return false })
	require.NoError(t, s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error { return nil }))

	require.NoError(t, s.Reset())
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Err())
	assert.Equal(t, Progress{}, s.Progress())
}

func TestScheduler_WatchProgressStopsAtTerminalState(t *testing.T) {
	s := New(nil)
	res := budget.Resources{CPUs: 1, AvailableRAM: 1 << 30, RAMPerTile: 1 << 10}
	plan := BuildPlan(res, 1, func(int) int { return 1 }, []int32{0}, func(int32) bool { return false })
	require.NoError(t, s.Run(context.Background(), plan, func(ctx context.Context, item WorkItem) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var calls atomic.Int64
	s.WatchProgress(ctx, 10*time.Millisecond, func(p Progress, st State) { calls.Add(1) })
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}
