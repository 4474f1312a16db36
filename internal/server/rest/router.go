package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the control API.
//
// Route layout:
//
//	GET    /healthz                  – liveness probe (no authentication)
//	GET    /metrics                  – Prometheus text metrics (no authentication)
//	GET    /api/v1/resources         – list watched resources, ?match=<glob>
//	POST   /api/v1/resources         – register a resource
//	DELETE /api/v1/resources?id=     – stop watching a resource
//	GET    /api/v1/watcher           – scheduler status
//	POST   /api/v1/watcher/stop      – disable polling
//	POST   /api/v1/watcher/restart   – re-enable polling
//	PUT    /api/v1/watcher/interval  – change the poll interval
//	GET    /api/v1/events            – event history from the store
//	GET    /api/v1/stream            – websocket event stream
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, jwtOpts ...JWTOption) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey, jwtOpts...))
		}

		r.Get("/resources", srv.handleListResources)
		r.Post("/resources", srv.handleAddResource)
		r.Delete("/resources", srv.handleRemoveResource)

		r.Get("/watcher", srv.handleGetWatcher)
		r.Post("/watcher/stop", srv.handleStopWatcher)
		r.Post("/watcher/restart", srv.handleRestartWatcher)
		r.Put("/watcher/interval", srv.handleSetInterval)

		r.Get("/events", srv.handleGetEvents)
		if srv.stream != nil {
			r.Method(http.MethodGet, "/stream", srv.stream)
		}
	})

	return r
}
