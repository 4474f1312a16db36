package resource

import (
	"sync"
	"time"
)

// Resource is a single remote entity tracked by identifier. It is safe for
// concurrent use; the scheduler is the only writer of its timestamps.
type Resource struct {
	id string

	mu        sync.Mutex
	observers [numKinds][]Observer
	previous  time.Time
	current   time.Time
}

// New returns a Resource for id with both timestamps unknown.
func New(id string) *Resource {
	return &Resource{id: id}
}

// Identifier returns the path or URL the resource was registered with.
func (r *Resource) Identifier() string { return r.id }

// Subscribe appends obs to the observer list for kind. Observers for a kind
// are invoked in subscription order. A nil observer or an undefined kind is
// ignored.
func (r *Resource) Subscribe(kind EventKind, obs Observer) {
	if obs == nil || !kind.Valid() {
		return
	}
	r.mu.Lock()
	r.observers[kind] = append(r.observers[kind], obs)
	r.mu.Unlock()
}

// HasObservers reports whether at least one observer is registered for kind.
func (r *Resource) HasObservers(kind EventKind) bool {
	if !kind.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers[kind]) > 0
}

// Emit delivers evt synchronously to the observers registered for evt.Kind
// when Emit is called. Observers subscribed while delivery is in progress are
// not invoked for this emission. Emit fills in evt.Identifier when empty.
func (r *Resource) Emit(evt Event) {
	if !evt.Kind.Valid() {
		return
	}
	if evt.Identifier == "" {
		evt.Identifier = r.id
	}

	r.mu.Lock()
	list := r.observers[evt.Kind]
	snapshot := make([]Observer, len(list))
	copy(snapshot, list)
	r.mu.Unlock()

	for _, obs := range snapshot {
		obs(evt)
	}
}

// LastModified returns the previous and current Last-Modified timestamps.
// Either may be the zero time, meaning unknown.
func (r *Resource) LastModified() (previous, current time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previous, r.current
}

// Seed records the timestamp reported by the initial probe. It only moves the
// current timestamp forward.
func (r *Resource) Seed(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.current) {
		r.current = t
	}
}

// Advance shifts current into previous and records t as current when t is
// strictly newer than current. It reports whether the shift happened.
func (r *Resource) Advance(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.After(r.current) {
		return false
	}
	r.previous = r.current
	r.current = t
	return true
}

// Reset returns both timestamps to unknown.
func (r *Resource) Reset() {
	r.mu.Lock()
	r.previous = time.Time{}
	r.current = time.Time{}
	r.mu.Unlock()
}
