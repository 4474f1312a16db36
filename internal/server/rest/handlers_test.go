package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/server/storage"
	"github.com/remotewatch/agent/internal/watcher"
)

// mockControl is a test double for the Control interface.
type mockControl struct {
	mu        sync.Mutex
	resources []agent.ResourceView
	added     []config.ResourceSpec
	addResult bool
	addErr    error
	removed   []string
	actors    []string
	enabled   bool
	interval  time.Duration
}

func newMockControl() *mockControl {
	return &mockControl{addResult: true, enabled: true, interval: time.Second}
}

func (m *mockControl) AddResource(actor string, spec config.ResourceSpec) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors = append(m.actors, actor)
	if m.addErr != nil {
		return false, m.addErr
	}
	m.added = append(m.added, spec)
	return m.addResult, nil
}

func (m *mockControl) RemoveResource(actor, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors = append(m.actors, actor)
	for i, r := range m.resources {
		if r.Identifier == id {
			m.resources = append(m.resources[:i], m.resources[i+1:]...)
			m.removed = append(m.removed, id)
			return true
		}
	}
	return false
}

func (m *mockControl) StopPolling(actor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors = append(m.actors, actor)
	m.enabled = false
}

func (m *mockControl) RestartPolling(actor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors = append(m.actors, actor)
	m.enabled = true
}

func (m *mockControl) SetPollInterval(actor string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors = append(m.actors, actor)
	if d <= 0 {
		return fmt.Errorf("%w: %s", watcher.ErrInvalidInterval, d)
	}
	m.interval = d
	return nil
}

func (m *mockControl) Resources() []agent.ResourceView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.ResourceView(nil), m.resources...)
}

func (m *mockControl) SchedulerStatus() agent.SchedulerView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return agent.SchedulerView{
		Enabled:      m.enabled,
		PollInterval: m.interval.String(),
		Watched:      len(m.resources),
	}
}

func (m *mockControl) Health() agent.HealthStatus {
	return agent.HealthStatus{Status: "ok", Watched: len(m.Resources()), Polling: true}
}

// mockEventStore is a test double for the EventStore interface.
type mockEventStore struct {
	events []agent.ChangeEvent
	err    error
	last   storage.EventQuery
}

func (m *mockEventStore) QueryEvents(_ context.Context, q storage.EventQuery) ([]agent.ChangeEvent, error) {
	m.last = q
	return m.events, m.err
}

// newTestServer creates a Server backed by the mocks and returns its HTTP
// handler with JWT middleware disabled (pubKey = nil).
func newTestServer(mc *mockControl, opts ...ServerOption) http.Handler {
	srv := NewServer(mc, opts...)
	return NewRouter(srv, nil)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- /healthz and /metrics ---------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	rec := do(t, newTestServer(newMockControl()), http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status=ok, got %q", body.Status)
	}
}

func TestMetricsMountedWhenConfigured(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remotewatch_rounds_total 3\n"))
	})

	rec := do(t, newTestServer(newMockControl(), WithMetrics(metrics)), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "remotewatch_rounds_total") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body)
	}

	rec = do(t, newTestServer(newMockControl()), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without handler: expected 404, got %d", rec.Code)
	}
}

// ---- /api/v1/resources ---------------------------------------------------------

func TestHandleListResources_ReturnsArray(t *testing.T) {
	mc := newMockControl()
	rec := do(t, newTestServer(mc), http.MethodGet, "/api/v1/resources", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %q", rec.Body)
	}
}

func TestHandleListResources_GlobFilter(t *testing.T) {
	mc := newMockControl()
	mc.resources = []agent.ResourceView{
		{Identifier: "/img/logo.png", PayloadKind: "image"},
		{Identifier: "/img/icons/a.png", PayloadKind: "image"},
		{Identifier: "/txt/motd.txt", PayloadKind: "text"},
	}
	h := newTestServer(mc)

	cases := []struct {
		match string
		want  []string
	}{
		{"/img/*", []string{"/img/logo.png"}},
		{"/img/**", []string{"/img/logo.png", "/img/icons/a.png"}},
		{"*.txt", nil},
		{"/**.txt", []string{"/txt/motd.txt"}},
	}
	for _, tc := range cases {
		t.Run(tc.match, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/resources?match="+tc.match, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var views []agent.ResourceView
			if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
				t.Fatalf("cannot decode response: %v", err)
			}
			var got []string
			for _, v := range views {
				got = append(got, v.Identifier)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Errorf("match %q = %v, want %v", tc.match, got, tc.want)
			}
		})
	}
}

func TestHandleListResources_BadGlob_Returns400(t *testing.T) {
	rec := do(t, newTestServer(newMockControl()), http.MethodGet, "/api/v1/resources?match=%5Bunterminated", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAddResource_Accepted(t *testing.T) {
	mc := newMockControl()
	rec := do(t, newTestServer(mc), http.MethodPost, "/api/v1/resources",
		`{"name":"motd","path":"/motd.txt","payload_kind":"text"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(mc.added) != 1 || mc.added[0].Path != "/motd.txt" || mc.added[0].Name != "motd" {
		t.Errorf("added = %+v", mc.added)
	}
	if mc.actors[0] != "api:anonymous" {
		t.Errorf("actor = %q, want api:anonymous", mc.actors[0])
	}
}

func TestHandleAddResource_Duplicate_Returns409(t *testing.T) {
	mc := newMockControl()
	mc.addResult = false
	rec := do(t, newTestServer(mc), http.MethodPost, "/api/v1/resources", `{"path":"/motd.txt"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleAddResource_Invalid_Returns400(t *testing.T) {
	mc := newMockControl()
	mc.addErr = fmt.Errorf("%w: path is required", agent.ErrInvalidResource)
	h := newTestServer(mc)

	for _, body := range []string{`{"name":"x"}`, `not json`, `{"path":"/a","colour":"red"}`} {
		rec := do(t, h, http.MethodPost, "/api/v1/resources", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleAddResource_ErrorBodyIsJSON(t *testing.T) {
	mc := newMockControl()
	detail := "unknown payload_kind \"te\x07xt\u2028\""
	mc.addErr = fmt.Errorf("%w: %s", agent.ErrInvalidResource, detail)
	rec := do(t, newTestServer(mc), http.MethodPost, "/api/v1/resources", `{"path":"/a"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v: %q", err, rec.Body.String())
	}
	if !strings.Contains(body["error"], detail) {
		t.Errorf("error = %q, want it to contain %q", body["error"], detail)
	}
}

func TestHandleAddResource_InternalError_Returns500(t *testing.T) {
	mc := newMockControl()
	mc.addErr = errors.New("boom")
	rec := do(t, newTestServer(mc), http.MethodPost, "/api/v1/resources", `{"path":"/a"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleRemoveResource(t *testing.T) {
	mc := newMockControl()
	mc.resources = []agent.ResourceView{{Identifier: "/motd.txt"}}
	h := newTestServer(mc)

	if rec := do(t, h, http.MethodDelete, "/api/v1/resources", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/resources?id=/motd.txt", ""); rec.Code != http.StatusNoContent {
		t.Errorf("watched id: expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/resources?id=/motd.txt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

// ---- /api/v1/watcher -----------------------------------------------------------

func TestHandleWatcher_StopRestart(t *testing.T) {
	mc := newMockControl()
	h := newTestServer(mc)

	decode := func(rec *httptest.ResponseRecorder) agent.SchedulerView {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var v agent.SchedulerView
		if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
			t.Fatalf("cannot decode response: %v", err)
		}
		return v
	}

	if v := decode(do(t, h, http.MethodGet, "/api/v1/watcher", "")); !v.Enabled {
		t.Error("expected polling enabled initially")
	}
	if v := decode(do(t, h, http.MethodPost, "/api/v1/watcher/stop", "")); v.Enabled {
		t.Error("expected polling disabled after stop")
	}
	if v := decode(do(t, h, http.MethodPost, "/api/v1/watcher/restart", "")); !v.Enabled {
		t.Error("expected polling enabled after restart")
	}
}

func TestHandleSetInterval(t *testing.T) {
	mc := newMockControl()
	h := newTestServer(mc)

	rec := do(t, h, http.MethodPut, "/api/v1/watcher/interval", `{"interval":"2s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if mc.interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", mc.interval)
	}

	for _, body := range []string{`{"interval":"soon"}`, `{"interval":"-1s"}`, `[]`} {
		if rec := do(t, h, http.MethodPut, "/api/v1/watcher/interval", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
	if mc.interval != 2*time.Second {
		t.Errorf("interval changed by rejected requests: %v", mc.interval)
	}
}

// ---- GET /api/v1/events ----------------------------------------------------------

func TestHandleGetEvents_NoStore_Returns503(t *testing.T) {
	rec := do(t, newTestServer(newMockControl()), http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleGetEvents_InvalidParams_Returns400(t *testing.T) {
	h := newTestServer(newMockControl(), WithEventStore(&mockEventStore{}))

	for _, q := range []string{
		"kind=deleted",
		"since=yesterday",
		"until=2026-13-01T00:00:00Z",
		"since=2026-02-01T00:00:00Z&until=2026-01-01T00:00:00Z",
		"limit=0",
		"limit=abc",
		"offset=-1",
	} {
		if rec := do(t, h, http.MethodGet, "/api/v1/events?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandleGetEvents_PassesQuery(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	es := &mockEventStore{events: []agent.ChangeEvent{
		{ID: "e1", Kind: "modified", Resource: "/motd.txt", ObservedAt: now},
	}}
	h := newTestServer(newMockControl(), WithEventStore(es))

	rec := do(t, h, http.MethodGet,
		"/api/v1/events?kind=modified&resource=/motd.txt&since=2026-01-01T00:00:00Z&limit=5000&offset=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}

	var evts []agent.ChangeEvent
	if err := json.NewDecoder(rec.Body).Decode(&evts); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(evts) != 1 || evts[0].ID != "e1" {
		t.Errorf("unexpected events: %+v", evts)
	}

	want := storage.EventQuery{
		Kind:     "modified",
		Resource: "/motd.txt",
		Since:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Limit:    storage.MaxQueryLimit,
		Offset:   10,
	}
	if !es.last.Since.Equal(want.Since) || es.last.Kind != want.Kind || es.last.Resource != want.Resource ||
		es.last.Limit != want.Limit || es.last.Offset != want.Offset || !es.last.Until.IsZero() {
		t.Errorf("query = %+v, want %+v", es.last, want)
	}
}

func TestHandleGetEvents_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(newMockControl(), WithEventStore(&mockEventStore{}))
	rec := do(t, h, http.MethodGet, "/api/v1/events", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %q", rec.Body)
	}
}

func TestHandleGetEvents_StoreError_Returns500(t *testing.T) {
	h := newTestServer(newMockControl(), WithEventStore(&mockEventStore{err: errors.New("db down")}))
	rec := do(t, h, http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
