package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/jobcontrol/internal/api/middleware"
	"github.com/kiranshivaraju/jobcontrol/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock machine store ---

type mockMachineStore struct {
	mu       sync.Mutex
	machines []*models.Machine
	err      error
}

func (m *mockMachineStore) UpsertMachine(_ context.Context, mc *models.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines = append(m.machines, mc)
	return m.err
}

type mockSink struct {
	events []models.Event
}

func (s *mockSink) Write(e models.Event) { s.events = append(s.events, e) }

// --- Mock Cache ---

type mockCache struct {
	counter int64
	keys    []string
	err     error
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (m *mockCache) Ping(_ context.Context) error                                      { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.counter++
	m.keys = append(m.keys, key)
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// clusterRouter mounts h under a route carrying the clusterID parameter.
func clusterRouter(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/clusters/{clusterID}", func(r chi.Router) {
		r.Use(middlewares...)
		r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			id, _ := mw.GetMachineID(r)
			w.Header().Set("X-Seen-Machine", id)
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

// ========================================
// Machine Middleware Tests
// ========================================

func TestMachine_MissingHeader(t *testing.T) {
	ms := &mockMachineStore{}
	router := clusterRouter(mw.NewMachine(ms, &mockSink{}).Identify)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MISSING_MACHINE_ID", errBody(t, w)["code"])
	assert.Empty(t, ms.machines)
}

func TestMachine_RecordsPing(t *testing.T) {
	ms := &mockMachineStore{}
	sink := &mockSink{}
	router := clusterRouter(mw.NewMachine(ms, sink).Identify)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set(mw.HeaderMachineID, "m1")
	req.Header.Set(mw.HeaderSDKVersion, "1.4.0")
	req.Header.Set(mw.HeaderSDKLanguage, "go")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "m1", w.Header().Get("X-Seen-Machine"))

	require.Len(t, ms.machines, 1)
	got := ms.machines[0]
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "c1", got.ClusterID)
	assert.Equal(t, "10.0.0.7", got.IP)
	assert.Equal(t, "1.4.0", got.SDKVersion)
	assert.Equal(t, "go", got.SDKLanguage)
	assert.False(t, got.LastPingAt.IsZero())

	require.Len(t, sink.events, 1)
	assert.Equal(t, models.EventMachinePing, sink.events[0].Type)
	assert.Equal(t, "c1", sink.events[0].ClusterID)
}

func TestMachine_StoreError(t *testing.T) {
	ms := &mockMachineStore{err: errors.New("db down")}
	sink := &mockSink{}
	router := clusterRouter(mw.NewMachine(ms, sink).Identify)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	req.Header.Set(mw.HeaderMachineID, "m1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, sink.events)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func withMachine(id string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.SetMachineID(r.Context(), id)))
		})
	}
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCache{counter: 0}
	router := clusterRouter(withMachine("m1"), mw.NewRateLimit(mc, 60).Limit)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"ratelimit:c1:m1"}, mc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60} // next IncrWithExpiry will return 61
	router := clusterRouter(withMachine("m1"), mw.NewRateLimit(mc, 60).Limit)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mc := &mockCache{err: errors.New("redis down")}
	router := clusterRouter(withMachine("m1"), mw.NewRateLimit(mc, 60).Limit)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoMachine_PassThrough(t *testing.T) {
	mc := &mockCache{}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mc.keys)
}

func TestRateLimit_DefaultLimit(t *testing.T) {
	mc := &mockCache{}
	router := clusterRouter(withMachine("m1"), mw.NewRateLimit(mc, 0).Limit)

	req := httptest.NewRequest("GET", "/clusters/c1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "600", w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_PassesThroughStatusAndBody(t *testing.T) {
	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
}
