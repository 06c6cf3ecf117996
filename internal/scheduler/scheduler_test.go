package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegister_RejectsSubSecondInterval(t *testing.T) {
	s := scheduler.New(discardLogger())

	err := s.Register("too-fast", 500*time.Millisecond, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too-fast")
}

func TestScheduler_RunsTask(t *testing.T) {
	s := scheduler.New(discardLogger())
	var runs atomic.Int32

	require.NoError(t, s.Register("tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}))
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := scheduler.New(discardLogger())
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
	)

	require.NoError(t, s.Register("slow", time.Second, func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		runs.Add(1)
		select {
		case <-time.After(2500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}))
	s.Start()

	time.Sleep(4 * time.Second)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestStop_CancelsRunningTasks(t *testing.T) {
	s := scheduler.New(discardLogger())
	started := make(chan struct{})
	var once atomic.Bool

	require.NoError(t, s.Register("blocking", time.Second, func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
