// Package events records job and machine lifecycle events. Writes are
// buffered in memory and persisted in batches so callers never wait on the
// database.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/kiranshivaraju/jobcontrol/internal/events"

// Sink accepts events. Write must not block.
type Sink interface {
	Write(e models.Event)
}

// Inserter persists a batch of events.
type Inserter interface {
	InsertEvents(ctx context.Context, events []models.Event) error
}

// Writer is a bounded, non-blocking Sink. Events beyond the buffer size are
// dropped until the next Flush makes room.
type Writer struct {
	store   Inserter
	logger  *slog.Logger
	max     int
	retries int
	counter metric.Int64Counter
	now     func() time.Time

	mu       sync.Mutex
	buf      []models.Event
	dropped  int
	failures int
}

type Option func(*Writer)

func WithLogger(l *slog.Logger) Option { return func(w *Writer) { w.logger = l } }

func WithBufferSize(n int) Option { return func(w *Writer) { w.max = n } }

// WithFlushRetries sets how many consecutive failed flushes a batch survives
// before it is discarded.
func WithFlushRetries(n int) Option { return func(w *Writer) { w.retries = n } }

func WithMeter(m metric.Meter) Option {
	return func(w *Writer) {
		counter, err := m.Int64Counter("jobcontrol.events",
			metric.WithDescription("Events persisted by type"),
			metric.WithUnit("{event}"))
		if err != nil {
			w.logger.Warn("event counter unavailable", "error", err)
			counter = noop.Int64Counter{}
		}
		w.counter = counter
	}
}

func WithClock(now func() time.Time) Option { return func(w *Writer) { w.now = now } }

func NewWriter(store Inserter, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		logger: slog.Default(),
		max:     10000,
		retries: 3,
		now:     time.Now,
	}
	WithMeter(otel.Meter(meterName))(w)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write buffers e, assigning an id and timestamp when unset.
func (w *Writer) Write(e models.Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) >= w.max {
		w.dropped++
		if w.dropped == 1 {
			w.logger.Warn("event buffer full, dropping events",
				"buffer_size", w.max, "type", string(e.Type), "cluster_id", e.ClusterID)
		}
		return
	}
	w.buf = append(w.buf, e)
}

// Buffered returns the number of events awaiting Flush.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Flush persists buffered events. On failure the batch is returned to the
// buffer as far as capacity allows; after the configured number of
// consecutive failures it is discarded instead.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	dropped := w.dropped
	w.dropped = 0
	w.mu.Unlock()

	if dropped > 0 {
		w.logger.Warn("events dropped since last flush", "count", dropped)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := w.store.InsertEvents(ctx, batch); err != nil {
		if w.failed() {
			w.logger.Error("discarding events after repeated flush failures",
				"count", len(batch), "attempts", w.retries, "error", err)
			return fmt.Errorf("discard %d events: %w", len(batch), err)
		}
		w.requeue(batch)
		return err
	}

	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()

	counts := make(map[models.EventType]int64)
	for _, e := range batch {
		counts[e.Type]++
	}
	for t, n := range counts {
		w.counter.Add(ctx, n, metric.WithAttributes(attribute.String("type", string(t))))
	}
	return nil
}

// failed records a failed flush and reports whether the batch has used up
// its retries.
func (w *Writer) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if w.retries > 0 && w.failures >= w.retries {
		w.failures = 0
		return true
	}
	return false
}

func (w *Writer) requeue(batch []models.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	room := w.max - len(w.buf)
	if room <= 0 {
		w.dropped += len(batch)
		return
	}
	if len(batch) > room {
		w.dropped += len(batch) - room
		batch = batch[:room]
	}
	w.buf = append(batch, w.buf...)
}

// Close flushes whatever is still buffered.
func (w *Writer) Close(ctx context.Context) error {
	return w.Flush(ctx)
}
