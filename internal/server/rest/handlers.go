package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/glob"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/resource"
	"github.com/remotewatch/agent/internal/server/storage"
	"github.com/remotewatch/agent/internal/watcher"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 * 1024

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	control Control
	events  EventStore
	stream  http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// ServerOption configures optional Server dependencies.
type ServerOption func(*Server)

// WithEventStore enables GET /api/v1/events.
func WithEventStore(es EventStore) ServerOption {
	return func(s *Server) { s.events = es }
}

// WithStream mounts h at GET /api/v1/stream.
func WithStream(h http.Handler) ServerOption {
	return func(s *Server) { s.stream = h }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server driving control.
func NewServer(control Control, opts ...ServerOption) *Server {
	s := &Server{control: control, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// handleHealthz responds to GET /healthz without authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Health())
}

// handleListResources responds to GET /api/v1/resources.
//
// Supported query parameters:
//
//	match – glob over identifiers, '/' is the separator (optional)
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	views := s.control.Resources()

	if pattern := r.URL.Query().Get("match"); pattern != "" {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("'match' is not a valid glob: %v", err))
			return
		}
		filtered := views[:0]
		for _, v := range views {
			if g.Match(v.Identifier) {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}

	if views == nil {
		views = []agent.ResourceView{}
	}
	writeJSON(w, http.StatusOK, views)
}

type addResourceRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	PayloadKind string `json:"payload_kind"`
}

// handleAddResource responds to POST /api/v1/resources.
//
// The body is {"name", "path", "payload_kind"}. Registration completes
// asynchronously, so success is 202 Accepted; the outcome arrives as an
// added or invalid event. A resource that is already watched or being
// registered yields 409.
func (s *Server) handleAddResource(w http.ResponseWriter, r *http.Request) {
	var req addResourceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object with name, path, payload_kind")
		return
	}

	added, err := s.control.AddResource(Actor(r.Context()), config.ResourceSpec{
		Name:        req.Name,
		Path:        req.Path,
		PayloadKind: req.PayloadKind,
	})
	switch {
	case errors.Is(err, agent.ErrInvalidResource):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to add resource")
	case !added:
		writeError(w, http.StatusConflict, "resource is already watched or being registered")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "registering", "identifier": req.Path})
	}
}

// handleRemoveResource responds to DELETE /api/v1/resources?id=<identifier>.
func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'id' is required")
		return
	}
	if !s.control.RemoveResource(Actor(r.Context()), id) {
		writeError(w, http.StatusNotFound, "resource is not watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetWatcher responds to GET /api/v1/watcher.
func (s *Server) handleGetWatcher(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.SchedulerStatus())
}

// handleStopWatcher responds to POST /api/v1/watcher/stop.
func (s *Server) handleStopWatcher(w http.ResponseWriter, r *http.Request) {
	s.control.StopPolling(Actor(r.Context()))
	writeJSON(w, http.StatusOK, s.control.SchedulerStatus())
}

// handleRestartWatcher responds to POST /api/v1/watcher/restart.
func (s *Server) handleRestartWatcher(w http.ResponseWriter, r *http.Request) {
	s.control.RestartPolling(Actor(r.Context()))
	writeJSON(w, http.StatusOK, s.control.SchedulerStatus())
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

// handleSetInterval responds to PUT /api/v1/watcher/interval with a body of
// {"interval": "<Go duration>"}.
func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be {\"interval\": \"<duration>\"}")
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'interval' must be a duration such as \"500ms\" or \"2s\"")
		return
	}
	if err := s.control.SetPollInterval(Actor(r.Context()), d); err != nil {
		if errors.Is(err, watcher.ErrInvalidInterval) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to set poll interval")
		return
	}
	writeJSON(w, http.StatusOK, s.control.SchedulerStatus())
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	kind      – added, modified, removed or invalid (optional)
//	resource  – exact identifier (optional)
//	since     – RFC3339 lower bound on observed_at (optional)
//	until     – RFC3339 upper bound on observed_at (optional)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns 503 when no event store is configured.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store is not configured")
		return
	}
	q := r.URL.Query()
	var eq storage.EventQuery

	if kind := q.Get("kind"); kind != "" {
		if _, err := resource.ParseEventKind(kind); err != nil {
			writeError(w, http.StatusBadRequest, "'kind' must be one of added, modified, removed, invalid")
			return
		}
		eq.Kind = kind
	}
	eq.Resource = q.Get("resource")

	var err error
	if eq.Since, err = parseTimeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
		return
	}
	if eq.Until, err = parseTimeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "'until' must be a valid RFC3339 timestamp")
		return
	}
	if !eq.Since.IsZero() && !eq.Until.IsZero() && !eq.Until.After(eq.Since) {
		writeError(w, http.StatusBadRequest, "'until' must be after 'since'")
		return
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		eq.Limit = min(limit, storage.MaxQueryLimit)
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	evts, err := s.events.QueryEvents(r.Context(), eq)
	if err != nil {
		s.logger.Error("rest: query events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	// Ensure we always return a JSON array, not null.
	if evts == nil {
		evts = []agent.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
