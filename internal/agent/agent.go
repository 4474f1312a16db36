// Package agent contains the remotewatch orchestrator. It wires the polling
// scheduler to the event pipeline (journal, event store, live stream), owns
// the control operations exposed by the API, records them in the audit log
// and reconciles the watch set when the configuration file changes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remotewatch/agent/internal/audit"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/watcher"
)

// Scheduler is the subset of *watcher.Scheduler the agent drives.
type Scheduler interface {
	AddResource(id string, cfg watcher.ResourceConfig) bool
	RemoveResource(id string) bool
	HasResource(id string) bool
	Resources() []watcher.ResourceInfo
	Status() watcher.Status
	Stop()
	Restart()
	SetPollInterval(d time.Duration) error
	PollInterval() time.Duration
	Close()
}

// Queue is the durable journal events pass through before delivery.
type Queue interface {
	// Enqueue persists an event for at-least-once delivery.
	Enqueue(ctx context.Context, evt ChangeEvent) error
	// Dequeue returns up to n unacknowledged events, oldest first.
	Dequeue(ctx context.Context, n int) ([]PendingEvent, error)
	// Ack marks events as delivered.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the number of pending (unacknowledged) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// PendingEvent is an unacknowledged journal entry. ID is used with Ack.
type PendingEvent struct {
	ID  int64
	Evt ChangeEvent
}

// Sink receives journal deliveries, e.g. the PostgreSQL event store.
type Sink interface {
	Deliver(ctx context.Context, evts []ChangeEvent) error
}

// Publisher fans events out to live subscribers. Publish must not block.
type Publisher interface {
	Publish(evt ChangeEvent)
}

// Auditor records control-plane actions.
type Auditor interface {
	Record(a audit.Action) (audit.Entry, error)
}

const defaultEventBuffer = 256

// Agent is the central orchestrator of remotewatch.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	scheduler Scheduler
	queue     Queue
	sink      Sink
	publisher Publisher
	auditor   Auditor

	events  chan ChangeEvent
	dropped atomic.Int64

	startTime time.Time
	cancel    context.CancelFunc

	mu         sync.RWMutex
	names      map[string]string
	fromConfig map[string]bool
	// registering holds ids handed to the scheduler whose first event has
	// not arrived yet; cancelled marks those removed in the meantime.
	registering map[string]bool
	cancelled   map[string]bool
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithQueue registers the event journal.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithSink registers the destination journal entries are delivered to.
func WithSink(s Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithPublisher registers a live event publisher.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// WithAuditor registers the control-plane audit log.
func WithAuditor(au Auditor) Option {
	return func(a *Agent) { a.auditor = au }
}

// WithEventBuffer sets the capacity of the channel between scheduler
// observers and the event pipeline. Events are dropped with a warning when it
// is full.
func WithEventBuffer(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.events = make(chan ChangeEvent, n)
		}
	}
}

// New creates an Agent driving sched. Queue, sink, publisher and auditor are
// optional.
func New(cfg *config.Config, logger *slog.Logger, sched Scheduler, opts ...Option) *Agent {
	a := &Agent{
		cfg:         cfg,
		logger:      logger,
		scheduler:   sched,
		names:       make(map[string]string),
		fromConfig:  make(map[string]bool),
		registering: make(map[string]bool),
		cancelled:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.events == nil {
		a.events = make(chan ChangeEvent, defaultEventBuffer)
	}
	return a
}

// Start launches the event pipeline and registers every configured resource.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting remotewatch agent",
		slog.String("base_url", a.cfg.BaseURL),
		slog.Duration("poll_interval", a.cfg.PollInterval),
		slog.String("listen_addr", a.cfg.ListenAddr),
		slog.Int("num_resources", len(a.cfg.Resources)),
	)

	a.wg.Add(1)
	go a.processEvents(ctx)

	if a.queue != nil && a.sink != nil {
		a.wg.Add(1)
		go a.deliveryLoop(ctx)
	}

	for _, spec := range a.cfg.Resources {
		if _, err := a.addResource("config", spec, true); err != nil {
			a.logger.Warn("agent: configured resource rejected",
				slog.String("resource", spec.Path),
				slog.Any("error", err),
			)
		}
	}

	a.logger.Info("remotewatch agent started")
	return nil
}

// Stop closes the scheduler, drains the event pipeline and closes the
// journal. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	// No observer fires after Close returns.
	a.scheduler.Close()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing event journal", slog.Any("error", err))
		}
	}

	a.logger.Info("remotewatch agent stopped")
}

// observer turns lifecycle events for one resource into ChangeEvents on the
// pipeline channel. It never blocks the scheduler: a full channel drops the
// event with a warning.
func (a *Agent) observer(name string) resource.Observer {
	return func(evt resource.Event) {
		if a.settleRegistration(evt) {
			return
		}
		ce := NewChangeEvent(name, evt)
		select {
		case a.events <- ce:
		default:
			a.dropped.Add(1)
			a.logger.Warn("agent: event channel full, dropping event",
				slog.String("resource", ce.Resource),
				slog.String("kind", ce.Kind),
			)
		}
	}
}

// settleRegistration clears the registration bookkeeping for evt's resource
// on its first event. It reports true when the registration was cancelled by
// RemoveResource; the event is then swallowed and a resource that joined
// anyway is removed again.
func (a *Agent) settleRegistration(evt resource.Event) bool {
	id := evt.Identifier
	a.mu.Lock()
	if !a.registering[id] {
		a.mu.Unlock()
		return false
	}
	delete(a.registering, id)
	cancelled := a.cancelled[id]
	delete(a.cancelled, id)
	a.mu.Unlock()

	if !cancelled {
		return false
	}
	if evt.Kind == resource.EventAdded {
		a.scheduler.RemoveResource(id)
	}
	a.logger.Info("agent: registration cancelled",
		slog.String("resource", id),
		slog.String("kind", evt.Kind.String()),
	)
	return true
}

// processEvents feeds the pipeline until ctx is cancelled, then drains what
// is already buffered.
func (a *Agent) processEvents(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case evt := <-a.events:
					a.handleEvent(context.Background(), evt)
				default:
					return
				}
			}
		case evt := <-a.events:
			a.handleEvent(ctx, evt)
		}
	}
}

// handleEvent journals the event and publishes it. Errors are logged but do
// not stop the agent.
func (a *Agent) handleEvent(ctx context.Context, evt ChangeEvent) {
	a.mu.Lock()
	a.lastEventAt = evt.ObservedAt
	a.mu.Unlock()

	a.logger.Info("lifecycle event",
		slog.String("kind", evt.Kind),
		slog.String("resource", evt.Resource),
		slog.String("name", evt.Name),
	)

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to journal event", slog.Any("error", err))
		}
	}
	if a.publisher != nil {
		a.publisher.Publish(evt)
	}
}

func (a *Agent) deliveryLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.DeliveryInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.DeliverPending(ctx); err != nil {
				a.logger.Warn("agent: delivery failed, will retry", slog.Any("error", err))
			}
		}
	}
}

// DeliverPending moves one batch of journal entries to the sink and
// acknowledges them. Entries stay pending when the sink fails.
func (a *Agent) DeliverPending(ctx context.Context) (int, error) {
	if a.queue == nil || a.sink == nil {
		return 0, nil
	}
	batch := a.cfg.DeliveryBatch
	if batch <= 0 {
		batch = 100
	}

	pending, err := a.queue.Dequeue(ctx, batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	evts := make([]ChangeEvent, len(pending))
	ids := make([]int64, len(pending))
	for i, p := range pending {
		evts[i] = p.Evt
		ids[i] = p.ID
	}
	if err := a.sink.Deliver(ctx, evts); err != nil {
		return 0, fmt.Errorf("agent: deliver %d events: %w", len(evts), err)
	}
	if err := a.queue.Ack(ctx, ids); err != nil {
		return 0, fmt.Errorf("agent: ack %d events: %w", len(ids), err)
	}
	return len(ids), nil
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	Watched       int     `json:"watched"`
	Polling       bool    `json:"polling"`
	PollInterval  string  `json:"poll_interval"`
	QueueDepth    int     `json:"queue_depth"`
	DroppedEvents int64   `json:"dropped_events"`
	LastEventAt   string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	st := a.scheduler.Status()

	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:        "ok",
		UptimeS:       time.Since(a.startTime).Seconds(),
		Watched:       st.Watched,
		Polling:       st.Enabled,
		PollInterval:  st.PollInterval.String(),
		DroppedEvents: a.dropped.Load(),
	}
	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}
	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
