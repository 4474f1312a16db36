// Package websocket streams lifecycle events to connected WebSocket clients.
// The Broadcaster fans every ChangeEvent published by the agent out to all
// clients whose filter matches it, without blocking the event pipeline.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of JSON-encoded frames.
//     A non-blocking send is used so that a slow or disconnected client
//     never applies back-pressure to the agent.
//   - Clients are tracked in a sync.Map keyed by client ID so the broadcast
//     path takes no global lock.
//   - A client's filter (event kinds and identifier globs) can be replaced at
//     any time by a subscribe message from the browser.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/resource"
)

// Message types sent to clients.
const (
	TypeEvent      = "event"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// Message is the top-level JSON envelope pushed to WebSocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Filter selects the events a client receives. A zero Filter matches
// everything.
type Filter struct {
	kinds    map[string]bool
	patterns []string
	globs    []glob.Glob
}

// NewFilter builds a Filter from event kind names and identifier globs.
// Globs use '/' as separator, so "/img/*" matches "/img/a.png" but not
// "/img/x/a.png"; use "/img/**" for that.
func NewFilter(kinds, patterns []string) (Filter, error) {
	var f Filter
	if len(kinds) > 0 {
		f.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			kind, err := resource.ParseEventKind(k)
			if err != nil {
				return Filter{}, err
			}
			f.kinds[kind.String()] = true
		}
	}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return Filter{}, fmt.Errorf("invalid match pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt agent.ChangeEvent) bool {
	if f.kinds != nil && !f.kinds[evt.Kind] {
		return false
	}
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(evt.Resource) {
			return true
		}
	}
	return false
}

// Kinds returns the kind names of the filter, or nil when every kind passes.
func (f Filter) Kinds() []string {
	if f.kinds == nil {
		return nil
	}
	out := make([]string, 0, len(f.kinds))
	for _, k := range resource.Kinds() {
		if f.kinds[k.String()] {
			out = append(out, k.String())
		}
	}
	return out
}

// Patterns returns the glob patterns of the filter.
func (f Filter) Patterns() []string { return f.patterns }

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full

	mu     sync.RWMutex
	filter Filter
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded frames are
// delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// SetFilter replaces the client's filter.
func (c *Client) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// Filter returns the client's current filter.
func (c *Client) Filter() Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

// Broadcaster fans events out to all registered clients. It implements
// agent.Publisher and is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// sendMu orders channel sends against the close in Unregister and Close.
	sendMu sync.RWMutex

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ agent.Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; pass 0 to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id and filter. The caller
// must call Unregister(id) when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string, f Filter) *Client {
	c := &Client{
		id:     id,
		send:   make(chan []byte, b.bufSize),
		filter: f,
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish delivers evt to every client whose filter matches it. When a
// client's buffer is full the frame is dropped and the client's Dropped
// counter is incremented.
func (b *Broadcaster) Publish(evt agent.ChangeEvent) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(Message{Type: TypeEvent, Data: evt})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.Filter().Match(evt) {
			return true
		}
		if !b.trySend(c, raw) {
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("resource", evt.Resource),
			)
		}
		return true
	})
}

// reply queues a control frame for one client.
func (b *Broadcaster) reply(c *Client, msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if _, ok := b.clients.Load(c.id); !ok {
		return
	}
	b.trySend(c, raw)
}

func (b *Broadcaster) trySend(c *Client, raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		c.Dropped.Add(1)
		return false
	}
}

// Close unregisters every client and closes their channels. After Close
// returns Publish is a no-op and Register returns a closed client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		defer b.sendMu.Unlock()
		b.closed.Store(true)

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
