package jobs_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobcontrol/internal/config"
	"github.com/kiranshivaraju/jobcontrol/internal/jobs"
	"github.com/kiranshivaraju/jobcontrol/internal/store"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
)

// --- Clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- In-memory store ---

type memStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	jobs     map[string]*models.Job
	machines map[models.MachineRef]*models.Machine
	// onUpdate runs once, before the next UpdateJobs call takes the lock.
	onUpdate func()
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:    clock,
		jobs:     make(map[string]*models.Job),
		machines: make(map[models.MachineRef]*models.Machine),
	}
}

func jobKey(clusterID, id string) string { return clusterID + "/" + id }

func clone(j *models.Job) *models.Job {
	cp := *j
	return &cp
}

func (m *memStore) InsertJob(_ context.Context, j *models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := jobKey(j.ClusterID, j.ID)
	if _, ok := m.jobs[k]; ok {
		return false, nil
	}
	m.jobs[k] = clone(j)
	return true, nil
}

func (m *memStore) GetJob(_ context.Context, clusterID, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobKey(clusterID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(j), nil
}

func (m *memStore) GetLatestSuccessfulJob(_ context.Context, l store.CacheLookup) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Job
	for _, j := range m.jobs {
		if j.ClusterID != l.ClusterID || j.Service != l.Service || j.TargetFn != l.TargetFn {
			continue
		}
		if j.CacheKey == nil || *j.CacheKey != l.CacheKey || j.Status != models.JobStatusSuccess {
			continue
		}
		if j.ResultType == nil || *j.ResultType != models.ResultTypeResolution {
			continue
		}
		if j.ResultedAt == nil || j.ResultedAt.Before(l.Since) {
			continue
		}
		if best == nil || j.ResultedAt.After(*best.ResultedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return clone(best), nil
}

func (m *memStore) UpdateJobs(_ context.Context, f store.JobFilter, p store.JobPatch) ([]*models.Job, error) {
	m.mu.Lock()
	hook := m.onUpdate
	m.onUpdate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.ClusterID == "" {
		return nil, store.ErrUnscopedFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if f.Matches(j) {
			p.Apply(j, m.clock.Now())
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memStore) ListStalledJobs(_ context.Context, asOf time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobStatusRunning {
			continue
		}
		if j.LastRetrievedAt == nil || j.LastRetrievedAt.Before(asOf.Add(-j.Timeout())) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memStore) ListJobsOnInactiveMachines(context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobStatusRunning || j.ExecutingMachineID == nil || j.RemainingAttempts <= 0 {
			continue
		}
		mc, ok := m.machines[models.MachineRef{ID: *j.ExecutingMachineID, ClusterID: j.ClusterID}]
		if ok && mc.Status == models.MachineStatusInactive {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (m *memStore) ClaimPendingJobs(_ context.Context, p store.ClaimParams) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*models.Job
	for _, j := range m.jobs {
		if j.ClusterID == p.ClusterID && j.Service == p.Service && j.Status == models.JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].CreatedAt.Before(pending[b].CreatedAt) })
	if len(pending) > p.Limit {
		pending = pending[:p.Limit]
	}
	machineID := p.MachineID
	patch := store.JobPatch{
		Status:                 models.JobStatusRunning,
		ExecutingMachineID:     &machineID,
		TouchLastRetrievedAt:   true,
		RemainingAttemptsDelta: -1,
	}
	out := make([]*models.Job, 0, len(pending))
	for _, j := range pending {
		patch.Apply(j, m.clock.Now())
		out = append(out, clone(j))
	}
	return out, nil
}

func (m *memStore) MarkStalledMachines(_ context.Context, cutoff time.Time) ([]models.MachineRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []models.MachineRef
	for ref, mc := range m.machines {
		if mc.Status == models.MachineStatusActive && mc.LastPingAt.Before(cutoff) {
			mc.Status = models.MachineStatusInactive
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (m *memStore) ping(clusterID, machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines[models.MachineRef{ID: machineID, ClusterID: clusterID}] = &models.Machine{
		ID: machineID, ClusterID: clusterID, LastPingAt: m.clock.Now(), Status: models.MachineStatusActive,
	}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// --- Function lookup ---

type fakeFunctions struct {
	mu    sync.Mutex
	defs  map[string]*models.FunctionDefinition
	calls int
	// visibleAfter hides definitions for the first n lookups.
	visibleAfter int
	err          error
}

func newFakeFunctions() *fakeFunctions {
	return &fakeFunctions{defs: make(map[string]*models.FunctionDefinition)}
}

func (f *fakeFunctions) add(service string, def models.FunctionDefinition) {
	f.defs[service+"."+def.Name] = &def
}

func (f *fakeFunctions) FunctionConfig(_ context.Context, _, service, fn string) (*models.FunctionDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.visibleAfter {
		return nil, nil
	}
	return f.defs[service+"."+fn], nil
}

// --- Event sink ---

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Write(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- Transport and resumer ---

type recordingTransport struct {
	mu       sync.Mutex
	queues   []string
	payloads [][]byte
	err      error
}

func (r *recordingTransport) Enqueue(_ context.Context, queue string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = append(r.queues, queue)
	r.payloads = append(r.payloads, payload)
	return r.err
}

type resumeCall struct{ ClusterID, RunID string }

type recordingResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
}

func (r *recordingResumer) ResumeRun(_ context.Context, clusterID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resumeCall{clusterID, runID})
	return r.err
}

// --- Harness ---

type harness struct {
	clock     *fakeClock
	store     *memStore
	functions *fakeFunctions
	sink      *recordingSink
	transport *recordingTransport
	resumer   *recordingResumer
	svc       *jobs.Service
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		DefaultTimeout:      30 * time.Second,
		DefaultMaxAttempts:  1,
		SchemaRetries:       3,
		SchemaRetryDelay:    time.Second,
		ExternalServices:    []string{"payments"},
		ExternalCallQueue:   "external-tool-calls",
		SelfHealConcurrency: 4,
		MachineStallTimeout: 90 * time.Second,
	}
}

func newHarness(t *testing.T, opts ...jobs.Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testJobsConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg config.JobsConfig, opts ...jobs.Option) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		functions: newFakeFunctions(),
		sink:      &recordingSink{},
		transport: &recordingTransport{},
		resumer:   &recordingResumer{},
	}
	h.store = newMemStore(h.clock)

	base := []jobs.Option{
		jobs.WithClock(h.clock.Now),
		jobs.WithTransport(h.transport),
		jobs.WithRunResumer(h.resumer),
		jobs.WithSchemaRetry(jobs.RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}),
		jobs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.svc = jobs.NewService(h.store, h.functions, h.sink, cfg, append(base, opts...)...)
	return h
}

var anySchema = json.RawMessage(`{"type":"object"}`)

func intPtr(i int) *int { return &i }

func (h *harness) create(t *testing.T, p jobs.CreateJobParams) jobs.CreateJobResult {
	t.Helper()
	if p.ClusterID == "" {
		p.ClusterID = "c1"
	}
	if p.TargetArgs == "" {
		p.TargetArgs = `{}`
	}
	res, err := h.svc.CreateJob(context.Background(), p)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return res
}
