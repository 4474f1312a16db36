// Package watcher synthesizes a watch primitive for remotely hosted resources
// out of HTTP polling. A Scheduler probes each registered resource once,
// fetches its initial content, and then polls every watched resource in
// batched rounds using conditional requests. Each round closes only when every
// request it dispatched has completed; the delay before the next round is the
// poll interval minus the time the round took, so slow origins are polled
// back-to-back and fast ones exactly one interval apart.
//
// All state transitions run under a single mutex. Events produced by a
// transition are queued and delivered after the mutex is released, in the
// order they were produced, so observers may call back into the Scheduler.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/transport"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// ErrInvalidInterval is returned by SetPollInterval for non-positive values.
var ErrInvalidInterval = errors.New("watcher: poll interval must be positive")

// ResourceConfig carries the observers and payload kind for one registration.
// Any observer may be nil.
type ResourceConfig struct {
	OnAdded    resource.Observer
	OnChange   resource.Observer
	OnRemoved  resource.Observer
	OnNotValid resource.Observer

	// PayloadKind selects how fetched bodies are materialized. Empty means
	// resource.PayloadText.
	PayloadKind resource.PayloadKind
}

// Options configures a Scheduler. Zero fields take defaults.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
	Clock        Clock
	Metrics      *Metrics
}

// ResourceInfo is a point-in-time view of one watched resource.
type ResourceInfo struct {
	Identifier   string
	PayloadKind  resource.PayloadKind
	Previous     time.Time
	LastModified time.Time
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Enabled       bool
	PollInterval  time.Duration
	Round         uint64
	InFlight      bool
	Watched       int
	Registering   int
	LastRoundTime time.Duration
}

// entry is one member of the watch set.
type entry struct {
	res  *resource.Resource
	kind resource.PayloadKind
}

// delivery is a queued emission.
type delivery struct {
	res *resource.Resource
	evt resource.Event
}

// Scheduler owns the watch set and drives polling rounds. It is safe for
// concurrent use.
type Scheduler struct {
	transport transport.Transport
	logger    *slog.Logger
	clock     Clock
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]*entry
	registering map[string]struct{}
	// pending maps identifiers flagged during a round to the entry that was
	// flagged; a replacement entry under the same identifier is not removed.
	pending    map[string]*entry
	interval   time.Duration
	enabled    bool
	closed     bool
	round      uint64
	inFlight   bool
	roundStart time.Time
	roundSize  int
	completed  int
	lastRound  time.Duration
	timer      Timer
	timerGen   uint64
	outbox     []delivery

	// deliverMu admits one deliverer at a time so the outbox drains in FIFO
	// order.
	deliverMu sync.Mutex
}

// New returns an enabled Scheduler that polls through tr.
func New(tr transport.Transport, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		transport:   tr,
		logger:      opts.Logger,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
		registering: make(map[string]struct{}),
		pending:     make(map[string]*entry),
		interval:    opts.PollInterval,
		enabled:     true,
	}
	s.metrics.IntervalMillis.Store(s.interval.Milliseconds())
	return s
}

// Metrics returns the counters the scheduler updates.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// AddResource registers id and starts its probe in the background. It
// returns false without side effects when id is already watched, already
// being registered, or the scheduler is closed.
//
// On a successful probe the initial content is fetched, OnAdded receives the
// materialized payload, and the resource joins the watch set. A probe that
// finds nothing, fails, or returns an unusable Last-Modified header emits an
// invalid event (or logs a warning when no OnNotValid observer is set) and
// the resource is not watched.
func (s *Scheduler) AddResource(id string, cfg ResourceConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.activeLocked(id) {
		return false
	}
	if _, ok := s.registering[id]; ok {
		return false
	}

	res := resource.New(id)
	res.Subscribe(resource.EventAdded, s.guard(id, cfg.OnAdded))
	res.Subscribe(resource.EventModified, s.guard(id, cfg.OnChange))
	res.Subscribe(resource.EventRemoved, s.guard(id, cfg.OnRemoved))
	res.Subscribe(resource.EventInvalid, s.guard(id, cfg.OnNotValid))

	e := &entry{res: res, kind: cfg.PayloadKind}
	s.registering[id] = struct{}{}
	s.wg.Add(1)
	go s.register(e)
	return true
}

// RemoveResource drops id from the watch set immediately. A response already
// in flight for id still counts towards its round but is otherwise ignored.
// It logs a warning and returns false when id is not watched.
func (s *Scheduler) RemoveResource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(id) {
		s.logger.Warn("watcher: remove of unwatched resource", slog.String("resource", id))
		return false
	}
	delete(s.entries, id)
	delete(s.pending, id)
	s.metrics.Watched.Store(int64(len(s.entries)))
	s.logger.Debug("watcher: resource removed", slog.String("resource", id))
	return true
}

// HasResource reports whether id is actively watched: joined and not flagged
// for removal by a not-found or failed poll.
func (s *Scheduler) HasResource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(id)
}

// Resources returns the actively watched resources sorted by identifier.
func (s *Scheduler) Resources() []ResourceInfo {
	s.mu.Lock()
	out := make([]ResourceInfo, 0, len(s.entries))
	for id, e := range s.entries {
		if !s.activeLocked(id) {
			continue
		}
		prev, cur := e.res.LastModified()
		out = append(out, ResourceInfo{
			Identifier:   id,
			PayloadKind:  e.kind,
			Previous:     prev,
			LastModified: cur,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// activeLocked must be called with s.mu held.
func (s *Scheduler) activeLocked(id string) bool {
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	flagged, ok := s.pending[id]
	return !ok || flagged != e
}

// register runs the probe and initial fetch for e.
func (s *Scheduler) register(e *entry) {
	defer s.wg.Done()
	id := e.res.Identifier()

	s.metrics.Probes.Add(1)
	probe := s.transport.Probe(s.ctx, id)

	if probe.Status == transport.StatusOK && probe.MetadataErr == nil {
		e.res.Seed(probe.LastModified)

		s.metrics.Fetches.Add(1)
		fetch := s.transport.Fetch(s.ctx, id, time.Time{})

		s.mu.Lock()
		s.completeRegistrationLocked(e, fetch)
		s.mu.Unlock()
		s.flush()
		return
	}

	s.mu.Lock()
	delete(s.registering, id)
	if !s.closed {
		s.rejectProbeLocked(e, probe)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Scheduler) rejectProbeLocked(e *entry, probe transport.Result) {
	id := e.res.Identifier()
	hasObserver := e.res.HasObservers(resource.EventInvalid)

	if probe.Status == transport.StatusOK {
		reason := probe.MetadataErr.Error()
		if !hasObserver {
			s.logger.Warn("watcher: resource has no usable Last-Modified header",
				slog.String("resource", id),
				slog.Any("error", probe.MetadataErr),
			)
		}
		s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: reason})
		return
	}

	reason := describe(probe)
	if !hasObserver {
		s.logger.Warn("watcher: resource does not exist",
			slog.String("resource", id),
			slog.String("reason", reason),
		)
		return
	}
	s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: reason})
}

func (s *Scheduler) completeRegistrationLocked(e *entry, fetch transport.Result) {
	id := e.res.Identifier()
	delete(s.registering, id)
	if s.closed {
		return
	}

	switch fetch.Status {
	case transport.StatusOK:
		payload, err := resource.Materialize(e.kind, fetch.Body, fetch.ContentType)
		if err != nil {
			s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: err.Error()})
			return
		}
		if fetch.MetadataErr == nil {
			e.res.Seed(fetch.LastModified)
		}
		prev, cur := e.res.LastModified()
		s.enqueueLocked(e.res, resource.Event{
			Kind:     resource.EventAdded,
			Previous: prev,
			Current:  cur,
			Payload:  payload,
		})
		s.joinLocked(e)

	case transport.StatusNotFound:
		s.enqueueLocked(e.res, resource.Event{Kind: resource.EventRemoved})

	default:
		s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: describe(fetch)})
	}
}

// joinLocked adds e to the watch set. When the scheduler is idle the first
// round starts right away; otherwise e is picked up by the next round.
func (s *Scheduler) joinLocked(e *entry) {
	id := e.res.Identifier()
	s.entries[id] = e
	s.metrics.Watched.Store(int64(len(s.entries)))
	s.logger.Info("watcher: resource joined", slog.String("resource", id))

	if s.enabled && !s.inFlight && s.timer == nil {
		s.startRoundLocked()
	}
}

// ---------------------------------------------------------------------------
// Rounds
// ---------------------------------------------------------------------------

func (s *Scheduler) startRoundLocked() {
	s.applyInvalidationsLocked()
	if s.closed || !s.enabled {
		return
	}
	if len(s.entries) == 0 {
		s.logger.Debug("watcher: watch set empty, idling")
		return
	}

	s.round++
	s.inFlight = true
	s.roundStart = s.clock.Now()
	s.completed = 0
	s.roundSize = len(s.entries)
	s.metrics.RoundsStarted.Add(1)

	stamp := s.round
	for _, e := range s.entries {
		_, since := e.res.LastModified()
		s.wg.Add(1)
		go s.poll(stamp, e, since)
	}
}

func (s *Scheduler) poll(stamp uint64, e *entry, since time.Time) {
	defer s.wg.Done()

	s.metrics.Fetches.Add(1)
	res := s.transport.Fetch(s.ctx, e.res.Identifier(), since)

	s.mu.Lock()
	s.handlePollLocked(stamp, e, res)
	s.mu.Unlock()
	s.flush()
}

func (s *Scheduler) handlePollLocked(stamp uint64, e *entry, res transport.Result) {
	if s.closed || !s.inFlight || stamp != s.round {
		s.metrics.StaleResponses.Add(1)
		return
	}
	s.completed++

	id := e.res.Identifier()
	if s.entries[id] == e {
		s.applyPollLocked(e, res)
	}

	if s.completed == s.roundSize {
		s.closeRoundLocked()
	}
}

func (s *Scheduler) applyPollLocked(e *entry, res transport.Result) {
	id := e.res.Identifier()

	switch res.Status {
	case transport.StatusNotModified:
		// unchanged

	case transport.StatusOK:
		if res.MetadataErr != nil {
			s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: res.MetadataErr.Error()})
			return
		}
		if _, cur := e.res.LastModified(); !res.LastModified.After(cur) {
			return
		}
		payload, err := resource.Materialize(e.kind, res.Body, res.ContentType)
		if err != nil {
			s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: err.Error()})
			return
		}
		e.res.Advance(res.LastModified)
		prev, cur := e.res.LastModified()
		s.enqueueLocked(e.res, resource.Event{
			Kind:     resource.EventModified,
			Previous: prev,
			Current:  cur,
			Payload:  payload,
		})

	case transport.StatusNotFound:
		e.res.Reset()
		s.enqueueLocked(e.res, resource.Event{Kind: resource.EventRemoved})
		s.pending[id] = e

	default:
		s.metrics.TransportFailures.Add(1)
		s.logger.Warn("watcher: poll failed, resource no longer watched",
			slog.String("resource", id),
			slog.Int("status", res.Code),
			slog.Any("error", res.Err),
		)
		s.enqueueLocked(e.res, resource.Event{Kind: resource.EventInvalid, Reason: describe(res)})
		s.pending[id] = e
	}
}

func (s *Scheduler) closeRoundLocked() {
	s.inFlight = false
	elapsed := s.clock.Now().Sub(s.roundStart)
	s.lastRound = elapsed
	s.metrics.RoundsCompleted.Add(1)
	s.metrics.LastRoundMillis.Store(elapsed.Milliseconds())

	if !s.enabled {
		s.applyInvalidationsLocked()
		return
	}
	if elapsed >= s.interval {
		s.startRoundLocked()
		return
	}
	s.scheduleLocked(s.interval - elapsed)
}

func (s *Scheduler) applyInvalidationsLocked() {
	if len(s.pending) == 0 {
		return
	}
	for id, e := range s.pending {
		if s.entries[id] == e {
			delete(s.entries, id)
			s.logger.Info("watcher: resource left watch set", slog.String("resource", id))
		}
	}
	clear(s.pending)
	s.metrics.Watched.Store(int64(len(s.entries)))
}

func (s *Scheduler) scheduleLocked(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.timer == nil {
		return
	}
	s.timer = nil
	s.startRoundLocked()
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerGen++
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Stop disables polling and cancels a scheduled round. Responses already in
// flight are still processed and may emit events.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.cancelTimerLocked()
}

// Restart re-enables polling and starts a round immediately. It does nothing
// when no resource is watched. If a round is in flight, the next round is
// scheduled when that one closes.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.countActiveLocked() == 0 {
		return
	}
	s.enabled = true
	if s.inFlight {
		return
	}
	s.cancelTimerLocked()
	s.startRoundLocked()
}

func (s *Scheduler) countActiveLocked() int {
	n := 0
	for id := range s.entries {
		if s.activeLocked(id) {
			n++
		}
	}
	return n
}

// SetPollInterval changes the target spacing between round starts. It takes
// effect when the current round closes.
func (s *Scheduler) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, d)
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
	s.metrics.IntervalMillis.Store(d.Milliseconds())
	return nil
}

// PollInterval returns the current poll interval.
func (s *Scheduler) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:       s.enabled,
		PollInterval:  s.interval,
		Round:         s.round,
		InFlight:      s.inFlight,
		Watched:       s.countActiveLocked(),
		Registering:   len(s.registering),
		LastRoundTime: s.lastRound,
	}
}

// Close stops polling, cancels outstanding requests and waits for their
// goroutines to exit. Events not yet delivered are dropped. Close must not be
// called from an observer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.enabled = false
	s.cancelTimerLocked()
	s.outbox = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// Event delivery
// ---------------------------------------------------------------------------

func (s *Scheduler) enqueueLocked(res *resource.Resource, evt resource.Event) {
	evt.Identifier = res.Identifier()
	evt.ObservedAt = s.clock.Now()
	s.outbox = append(s.outbox, delivery{res: res, evt: evt})
	s.metrics.countEvent(evt.Kind)
}

// flush drains the outbox. It must be called without s.mu held.
func (s *Scheduler) flush() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	for {
		s.mu.Lock()
		if len(s.outbox) == 0 || s.closed {
			s.mu.Unlock()
			return
		}
		d := s.outbox[0]
		s.outbox[0] = delivery{}
		s.outbox = s.outbox[1:]
		s.mu.Unlock()

		d.res.Emit(d.evt)
	}
}

// guard wraps obs so that a panic is logged instead of unwinding the
// scheduler goroutine.
func (s *Scheduler) guard(id string, obs resource.Observer) resource.Observer {
	if obs == nil {
		return nil
	}
	return func(evt resource.Event) {
		defer func() {
			if r := recover(); r != nil {
				s.metrics.ObserverPanics.Add(1)
				s.logger.Error("watcher: observer panicked",
					slog.String("resource", id),
					slog.String("event", evt.Kind.String()),
					slog.Any("panic", r),
				)
			}
		}()
		obs(evt)
	}
}

func describe(r transport.Result) string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Status == transport.StatusNotFound:
		return fmt.Sprintf("not found (HTTP %d)", r.Code)
	case r.Code != 0:
		return fmt.Sprintf("unexpected response: %s (HTTP %d)", r.Status, r.Code)
	default:
		return fmt.Sprintf("unexpected response: %s", r.Status)
	}
}
