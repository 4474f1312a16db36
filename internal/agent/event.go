package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/remotewatch/agent/internal/resource"
)

// ChangeEvent is the pipeline record derived from a resource lifecycle event.
// It is what the journal stores, the event store persists and the stream
// fans out.
type ChangeEvent struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Resource     string    `json:"resource"`
	Name         string    `json:"name,omitempty"`
	Previous     time.Time `json:"previous_modified,omitzero"`
	LastModified time.Time `json:"last_modified,omitzero"`
	PayloadKind  string    `json:"payload_kind,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int       `json:"size,omitempty"`
	// Body is set for text and svg payloads.
	Body       string    `json:"body,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// NewChangeEvent converts evt into a ChangeEvent with a fresh ID. name is the
// configured label of the resource and may be empty.
func NewChangeEvent(name string, evt resource.Event) ChangeEvent {
	ce := ChangeEvent{
		ID:           uuid.NewString(),
		Kind:         evt.Kind.String(),
		Resource:     evt.Identifier,
		Name:         name,
		Previous:     evt.Previous,
		LastModified: evt.Current,
		Reason:       evt.Reason,
		ObservedAt:   evt.ObservedAt.UTC(),
	}
	if ce.ObservedAt.IsZero() {
		ce.ObservedAt = time.Now().UTC()
	}
	if p := evt.Payload; p != nil {
		ce.PayloadKind = string(p.Kind)
		ce.ContentType = p.ContentType
		ce.Size = p.Size()
		if p.Kind == resource.PayloadText || p.Kind == resource.PayloadSVG {
			ce.Body = p.Text
		}
	}
	return ce
}
