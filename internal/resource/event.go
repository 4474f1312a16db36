// Package resource models a remotely hosted resource watched by the polling
// scheduler: its identifier, the two most recent Last-Modified timestamps, and
// the observers registered for each lifecycle event kind.
package resource

import (
	"fmt"
	"time"
)

// EventKind classifies a lifecycle event emitted by a Resource.
type EventKind uint8

const (
	// EventAdded is emitted once, after the initial probe and content fetch
	// succeed and the resource joins the watch batch.
	EventAdded EventKind = iota + 1
	// EventModified is emitted when a poll reports a Last-Modified timestamp
	// strictly newer than the last one seen.
	EventModified
	// EventRemoved is emitted when the resource disappears (404/410).
	EventRemoved
	// EventInvalid is emitted when the resource cannot be watched: missing or
	// unparsable metadata, an unexpected status, or an undecodable payload.
	EventInvalid
)

// numKinds sizes the per-kind observer table.
const numKinds = int(EventInvalid) + 1

var kindNames = [...]string{
	EventAdded:    "added",
	EventModified: "modified",
	EventRemoved:  "removed",
	EventInvalid:  "invalid",
}

// String returns the lower-case wire name of k ("added", "modified", ...).
func (k EventKind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Valid reports whether k is one of the four defined kinds.
func (k EventKind) Valid() bool {
	return k >= EventAdded && k <= EventInvalid
}

// Kinds returns every defined event kind in declaration order.
func Kinds() []EventKind {
	return []EventKind{EventAdded, EventModified, EventRemoved, EventInvalid}
}

// ParseEventKind maps a wire name back to its EventKind.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range Kinds() {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("resource: unknown event kind %q", s)
}

// Event is an immutable lifecycle notification. Payload is set for added and
// modified events only; Reason is set for invalid events.
type Event struct {
	Kind       EventKind
	Identifier string

	// Previous and Current are the resource timestamps after the transition
	// that produced this event. The zero time means "unknown".
	Previous time.Time
	Current  time.Time

	Payload *Payload
	Reason  string

	// ObservedAt is the wall-clock time the scheduler produced the event.
	ObservedAt time.Time
}

// Observer receives lifecycle events. Observers run on the scheduler's
// delivery path and should return promptly.
type Observer func(Event)
