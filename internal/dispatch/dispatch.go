// Package dispatch hands jobs for externally implemented services to a queue
// consumer instead of leaving them for worker polling.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Transport delivers opaque payloads to a named queue.
type Transport interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// ExternalCallMessage is the queue payload for a job whose service is
// handled outside the worker fleet.
type ExternalCallMessage struct {
	ClusterID   string `json:"clusterId"`
	RunID       string `json:"runId"`
	CallID      string `json:"callId"`
	Service     string `json:"service"`
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// NewExternalCallMessage builds a message carrying the W3C trace context of ctx.
func NewExternalCallMessage(ctx context.Context, clusterID, runID, callID, service string) ExternalCallMessage {
	parent, state := injectTrace(ctx)
	return ExternalCallMessage{
		ClusterID:   clusterID,
		RunID:       runID,
		CallID:      callID,
		Service:     service,
		TraceParent: parent,
		TraceState:  state,
	}
}

// Context returns ctx with the trace context carried by the message.
func (m ExternalCallMessage) Context(ctx context.Context) context.Context {
	return extractTrace(ctx, m.TraceParent, m.TraceState)
}

// Publish encodes msg and enqueues it on queue.
func Publish(ctx context.Context, t Transport, queue string, msg ExternalCallMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode external call: %w", err)
	}
	if err := t.Enqueue(ctx, queue, payload); err != nil {
		return fmt.Errorf("enqueue external call %s: %w", msg.CallID, err)
	}
	return nil
}

// RunResumeMessage asks the run executor to continue a run whose job has
// resulted or failed for good.
type RunResumeMessage struct {
	ClusterID   string `json:"clusterId"`
	RunID       string `json:"runId"`
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// RunNotifier publishes RunResumeMessages to a queue.
type RunNotifier struct {
	transport Transport
	queue     string
}

func NewRunNotifier(t Transport, queue string) *RunNotifier {
	return &RunNotifier{transport: t, queue: queue}
}

// ResumeRun enqueues a resume request for runID.
func (n *RunNotifier) ResumeRun(ctx context.Context, clusterID, runID string) error {
	parent, state := injectTrace(ctx)
	payload, err := json.Marshal(RunResumeMessage{
		ClusterID:   clusterID,
		RunID:       runID,
		TraceParent: parent,
		TraceState:  state,
	})
	if err != nil {
		return fmt.Errorf("encode run resume: %w", err)
	}
	if err := n.transport.Enqueue(ctx, n.queue, payload); err != nil {
		return fmt.Errorf("enqueue run resume %s: %w", runID, err)
	}
	return nil
}

func injectTrace(ctx context.Context) (parent, state string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

func extractTrace(ctx context.Context, parent, state string) context.Context {
	carrier := propagation.MapCarrier{}
	if parent != "" {
		carrier.Set("traceparent", parent)
	}
	if state != "" {
		carrier.Set("tracestate", state)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// RedisTransport is a FIFO queue on a Redis list.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return t.client.RPush(ctx, queueKey(queue), payload).Err()
}

// Dequeue blocks up to timeout for the next payload on queue.
// found is false when the wait timed out.
func (t *RedisTransport) Dequeue(ctx context.Context, queue string, timeout time.Duration) (payload []byte, found bool, err error) {
	res, err := t.client.BLPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BLPOP replies with [key, value].
	return []byte(res[1]), true, nil
}

func queueKey(queue string) string {
	return "queue:" + queue
}
