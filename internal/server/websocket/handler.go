package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024

	// maxMessageSize bounds client-to-server frames. Clients only send
	// subscribe requests.
	maxMessageSize = 64 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SubscribeRequest is the only message clients send. It replaces the
// connection's filter; empty lists match everything.
type SubscribeRequest struct {
	Subscribe []string `json:"subscribe"`
	Match     []string `json:"match"`
}

// subscription is the data of a "subscribed" reply.
type subscription struct {
	Kinds []string `json:"kinds"`
	Match []string `json:"match"`
}

// Handler is an http.Handler that upgrades connections to WebSocket and
// streams events from the Broadcaster.
//
// The initial filter comes from the "kind" and "match" query parameters
// (comma-separated); clients may replace it later with a SubscribeRequest.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds. allowedOrigins lists the
// accepted Origin header values; when empty only same-host origins are
// accepted.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration, allowedOrigins ...string) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	h := &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		}
	}
	return h
}

// ServeHTTP handles the upgrade and drives the connection lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := NewFilter(splitParam(r, "kind"), splitParam(r, "match"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID, filter)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, client)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))
			return

		case msg, ok := <-client.Send():
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if !ok {
				// Broadcaster closed the channel: server shutting down.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop applies subscribe requests until the connection fails.
func (h *Handler) readLoop(conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket: read failed",
					slog.String("client_id", client.ID()), slog.Any("error", err))
			}
			return
		}

		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.bc.reply(client, Message{Type: TypeError, Data: "malformed subscribe request"})
			continue
		}
		f, err := NewFilter(req.Subscribe, req.Match)
		if err != nil {
			h.bc.reply(client, Message{Type: TypeError, Data: err.Error()})
			continue
		}
		client.SetFilter(f)
		h.bc.reply(client, Message{Type: TypeSubscribed, Data: subscription{Kinds: f.Kinds(), Match: f.Patterns()}})
	}
}

func splitParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
