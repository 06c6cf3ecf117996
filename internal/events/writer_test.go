package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcontrol/internal/events"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type mockInserter struct {
	mu      sync.Mutex
	batches [][]models.Event
	err     error
}

func (m *mockInserter) InsertEvents(_ context.Context, evs []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, evs)
	return nil
}

func newWriter(store events.Inserter, opts ...events.Option) *events.Writer {
	opts = append([]events.Option{events.WithMeter(noop.NewMeterProvider().Meter("test"))}, opts...)
	return events.NewWriter(store, opts...)
}

func TestWriter_FlushPersistsBatch(t *testing.T) {
	store := &mockInserter{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := newWriter(store, events.WithClock(func() time.Time { return now }))

	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "j1"})
	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobAcknowledged, JobID: "j1"})
	assert.Equal(t, 2, w.Buffered())

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 0, w.Buffered())
	require.Len(t, store.batches, 1)

	batch := store.batches[0]
	require.Len(t, batch, 2)
	assert.NotEqual(t, uuid.Nil, batch[0].ID)
	assert.Equal(t, now, batch[0].CreatedAt)
	assert.Equal(t, models.EventJobAcknowledged, batch[1].Type)
}

func TestWriter_FlushEmptyIsNoop(t *testing.T) {
	store := &mockInserter{}
	w := newWriter(store)

	require.NoError(t, w.Flush(context.Background()))
	assert.Empty(t, store.batches)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	store := &mockInserter{}
	w := newWriter(store, events.WithBufferSize(2))

	for i := 0; i < 5; i++ {
		w.Write(models.Event{ClusterID: "c1", Type: models.EventMachinePing})
	}
	assert.Equal(t, 2, w.Buffered())

	require.NoError(t, w.Flush(context.Background()))
	w.Write(models.Event{ClusterID: "c1", Type: models.EventMachinePing})
	assert.Equal(t, 1, w.Buffered())
}

func TestWriter_FailedFlushRequeues(t *testing.T) {
	store := &mockInserter{err: errors.New("db down")}
	w := newWriter(store, events.WithBufferSize(3))

	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "a"})
	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "b"})

	require.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 2, w.Buffered())

	store.err = nil
	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "c"})
	require.NoError(t, w.Close(context.Background()))

	require.Len(t, store.batches, 1)
	var ids []string
	for _, e := range store.batches[0] {
		ids = append(ids, e.JobID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestWriter_DiscardsBatchAfterRepeatedFailures(t *testing.T) {
	store := &mockInserter{err: errors.New("bad row")}
	w := newWriter(store, events.WithFlushRetries(2))

	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "a"})
	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "b"})

	require.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 2, w.Buffered())

	err := w.Flush(context.Background())
	require.ErrorIs(t, err, store.err)
	assert.Equal(t, 0, w.Buffered())

	store.err = nil
	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "c"})
	require.NoError(t, w.Flush(context.Background()))

	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 1)
	assert.Equal(t, "c", store.batches[0][0].JobID)
}

func TestWriter_SuccessResetsFailureCount(t *testing.T) {
	store := &mockInserter{}
	w := newWriter(store, events.WithFlushRetries(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		store.err = errors.New("db down")
		w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: id})
		require.Error(t, w.Flush(ctx))
		assert.Equal(t, 1, w.Buffered())

		store.err = nil
		require.NoError(t, w.Flush(ctx))
		assert.Equal(t, 0, w.Buffered())
	}
	assert.Len(t, store.batches, 2)
}

type brokenMeter struct {
	noop.Meter
}

func (brokenMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument rejected")
}

func TestWriter_CounterErrorFallsBackToNoop(t *testing.T) {
	store := &mockInserter{}
	w := newWriter(store, events.WithMeter(brokenMeter{}))

	w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated, JobID: "a"})
	require.NotPanics(t, func() {
		require.NoError(t, w.Flush(context.Background()))
	})
	assert.Len(t, store.batches, 1)
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	store := &mockInserter{}
	w := newWriter(store)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Write(models.Event{ClusterID: "c1", Type: models.EventJobCreated})
		}()
	}
	wg.Wait()

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 50)
}
