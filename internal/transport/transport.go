// Package transport issues the metadata probes and conditional content
// fetches the watch scheduler relies on. Transport is the minimal contract the
// scheduler depends on; HTTPTransport implements it over net/http.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status is the terminal outcome of a single Probe or Fetch.
type Status uint8

const (
	// StatusOK means the resource exists and metadata (and, for Fetch, a
	// body) was returned.
	StatusOK Status = iota + 1
	// StatusNotModified means a conditional Fetch found no change.
	StatusNotModified
	// StatusNotFound means the resource does not exist (404 or 410).
	StatusNotFound
	// StatusFailure covers network errors and every other status code.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	case StatusNotFound:
		return "not_found"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	// ErrMissingLastModified means a successful response carried no
	// Last-Modified header.
	ErrMissingLastModified = errors.New("transport: missing Last-Modified header")

	// ErrInvalidLastModified means the Last-Modified header could not be
	// parsed as an HTTP date.
	ErrInvalidLastModified = errors.New("transport: invalid Last-Modified header")

	// ErrUnexpectedStatus wraps status codes other than 2xx, 304, 404, 410.
	ErrUnexpectedStatus = errors.New("transport: unexpected status")

	// ErrBodyTooLarge means the response body exceeded the configured limit.
	ErrBodyTooLarge = errors.New("transport: response body too large")
)

// Result reports exactly one terminal outcome for a request.
type Result struct {
	Status Status
	// Code is the HTTP status code, or 0 when no response was received.
	Code int

	// LastModified is valid only when MetadataErr is nil.
	LastModified time.Time
	// MetadataErr is ErrMissingLastModified or wraps ErrInvalidLastModified
	// when Status is StatusOK but the timestamp is unusable.
	MetadataErr error

	ETag        string
	ContentType string
	Body        []byte

	// Err describes a StatusFailure.
	Err error
}

// Transport is the collaborator the scheduler polls through. Implementations
// must be safe for concurrent use; each call blocks until its terminal result
// is known or ctx is done.
type Transport interface {
	// Probe issues a metadata-only request (HEAD).
	Probe(ctx context.Context, id string) Result
	// Fetch issues a content request (GET). When since is non-zero the
	// request is conditional on the resource having changed after since.
	Fetch(ctx context.Context, id string, since time.Time) Result
}

// ParseLastModified parses a Last-Modified header value. All three date
// formats permitted by RFC 9110 are accepted.
func ParseLastModified(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, ErrMissingLastModified
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidLastModified, v)
	}
	return t.UTC(), nil
}
