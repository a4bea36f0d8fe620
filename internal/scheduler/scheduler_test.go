package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticGate struct {
	allow bool
}

func (g staticGate) Allow(time.Time) bool { return g.allow }
func (g staticGate) Reason() string       { return "static" }

func TestSchedulerRunsTask(t *testing.T) {
	var runs atomic.Int32
	s := New(5*time.Millisecond, func(ctx context.Context) { runs.Add(1) })
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestSchedulerDoubleStart(t *testing.T) {
	s := New(time.Second, func(context.Context) {})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Error(t, s.Start(context.Background()))
}

func TestSchedulerRejectsNonPositiveInterval(t *testing.T) {
	s := New(0, func(context.Context) {})
	require.Error(t, s.Start(context.Background()))
}

func TestSchedulerDropsTicksWhileBusy(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := New(2*time.Millisecond, func(ctx context.Context) {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	var busyDrops atomic.Int32
	s.OnDrop(func(reason string) {
		if reason == ReasonBusy {
			busyDrops.Add(1)
		}
	})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return busyDrops.Load() >= 3 }, time.Second, time.Millisecond)
	require.True(t, s.IsBusy())
	require.Equal(t, int32(1), runs.Load())
	require.False(t, s.Trigger())

	close(release)
	s.Stop()
	require.False(t, s.IsBusy())
	require.GreaterOrEqual(t, s.Dropped(), int64(3))
}

func TestSchedulerGatesBlockTicksButNotTrigger(t *testing.T) {
	var runs atomic.Int32
	s := New(2*time.Millisecond, func(context.Context) { runs.Add(1) }, staticGate{allow: false})

	var gated atomic.Int32
	s.OnDrop(func(reason string) {
		if reason == "static" {
			gated.Add(1)
		}
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return gated.Load() >= 2 }, time.Second, time.Millisecond)
	require.Zero(t, runs.Load())

	require.True(t, s.Trigger())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestTriggerBeforeStart(t *testing.T) {
	s := New(time.Second, func(context.Context) {})
	require.False(t, s.Trigger())
}

func TestSchedulerRecoversFromPanic(t *testing.T) {
	var runs atomic.Int32
	s := New(2*time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStopWaitsForConcurrentTriggers(t *testing.T) {
	for i := 0; i < 50; i++ {
		var active atomic.Int32
		s := New(time.Hour, func(ctx context.Context) {
			active.Add(1)
			<-ctx.Done()
			active.Add(-1)
		})
		require.NoError(t, s.Start(context.Background()))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				s.Trigger()
			}
		}()
		s.Stop()
		require.Zero(t, active.Load())
		<-done
		require.False(t, s.Trigger())
	}
}
