package watcher_test

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/transport"
	"github.com/remotewatch/agent/internal/watcher"
)

// ---------------------------------------------------------------------------
// fakeClock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) watcher.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due, in deadline
// order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, keep []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the remaining delay of every armed timer.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// fakeTransport
// ---------------------------------------------------------------------------

// call is one outstanding Probe or Fetch. The test answers it with reply.
type call struct {
	method string
	id     string
	since  time.Time
	result chan transport.Result
}

func (c *call) reply(r transport.Result) { c.result <- r }

type fakeTransport struct {
	calls chan *call
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan *call, 64)}
}

func (f *fakeTransport) do(ctx context.Context, method, id string, since time.Time) transport.Result {
	c := &call{method: method, id: id, since: since, result: make(chan transport.Result, 1)}
	f.calls <- c
	select {
	case r := <-c.result:
		return r
	case <-ctx.Done():
		return transport.Result{Status: transport.StatusFailure, Err: ctx.Err()}
	}
}

func (f *fakeTransport) Probe(ctx context.Context, id string) transport.Result {
	return f.do(ctx, "HEAD", id, time.Time{})
}

func (f *fakeTransport) Fetch(ctx context.Context, id string, since time.Time) transport.Result {
	return f.do(ctx, "GET", id, since)
}

// next returns the next call, failing the test if none arrives promptly.
func (f *fakeTransport) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport call")
		return nil
	}
}

// expect returns the next call and checks its method and identifier.
func (f *fakeTransport) expect(t *testing.T, method, id string) *call {
	t.Helper()
	c := f.next(t)
	require.Equal(t, method, c.method, "method of call for %s", c.id)
	require.Equal(t, id, c.id)
	return c
}

// round collects n poll fetches keyed by identifier.
func (f *fakeTransport) round(t *testing.T, n int) map[string]*call {
	t.Helper()
	out := make(map[string]*call, n)
	for i := 0; i < n; i++ {
		c := f.next(t)
		require.Equal(t, "GET", c.method)
		out[c.id] = c
	}
	return out
}

// quiet asserts that no call arrives within d.
func (f *fakeTransport) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected %s %s", c.method, c.id)
	case <-time.After(d):
	}
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func okMeta(lm time.Time) transport.Result {
	return transport.Result{Status: transport.StatusOK, Code: 200, LastModified: lm}
}

func okBody(lm time.Time, body string) transport.Result {
	return transport.Result{
		Status:       transport.StatusOK,
		Code:         200,
		LastModified: lm,
		ContentType:  "text/plain",
		Body:         []byte(body),
	}
}

func notModified() transport.Result {
	return transport.Result{Status: transport.StatusNotModified, Code: 304}
}

func notFound() transport.Result {
	return transport.Result{Status: transport.StatusNotFound, Code: 404}
}

func badMeta() transport.Result {
	return transport.Result{Status: transport.StatusOK, Code: 200, MetadataErr: transport.ErrMissingLastModified}
}

func serverError() transport.Result {
	return transport.Result{Status: transport.StatusFailure, Code: 500, Err: transport.ErrUnexpectedStatus}
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// recorder collects events from every observer of a ResourceConfig.
type recorder struct {
	events chan resource.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan resource.Event, 64)}
}

func (r *recorder) observe(e resource.Event) { r.events <- e }

func (r *recorder) config() watcher.ResourceConfig {
	return watcher.ResourceConfig{
		OnAdded:    r.observe,
		OnChange:   r.observe,
		OnRemoved:  r.observe,
		OnNotValid: r.observe,
	}
}

func (r *recorder) next(t *testing.T) resource.Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return resource.Event{}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected %s event for %s", e.Kind, e.Identifier)
	case <-time.After(d):
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	s   *watcher.Scheduler
	clk *fakeClock
	tr  *fakeTransport
	log *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const testInterval = 500 * time.Millisecond

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: newFakeClock(), tr: newFakeTransport(), log: &syncBuffer{}}
	h.s = watcher.New(h.tr, watcher.Options{
		PollInterval: testInterval,
		Clock:        h.clk,
		Logger:       slog.New(slog.NewTextHandler(h.log, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	t.Cleanup(h.s.Close)
	return h
}

// register drives id through a successful probe and initial fetch.
func (h *harness) register(t *testing.T, id string, lm time.Time, cfg watcher.ResourceConfig) {
	t.Helper()
	require.True(t, h.s.AddResource(id, cfg))
	h.tr.expect(t, "HEAD", id).reply(okMeta(lm))
	h.tr.expect(t, "GET", id).reply(okBody(lm, "initial "+id))
	require.Eventually(t, func() bool { return h.s.HasResource(id) }, 2*time.Second, time.Millisecond)
}

// waitTimer waits until exactly one round is scheduled and returns its delay.
func (h *harness) waitTimer(t *testing.T) time.Duration {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.clk.Pending()) == 1 }, 2*time.Second, time.Millisecond)
	return h.clk.Pending()[0]
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.s.Status().InFlight }, 2*time.Second, time.Millisecond)
}
