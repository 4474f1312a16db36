package rest

import (
	"context"
	"time"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/config"
	"github.com/remotewatch/agent/internal/server/storage"
)

// Control is the subset of *agent.Agent the handlers drive. Defining an
// interface allows handlers to be tested without a live scheduler.
type Control interface {
	AddResource(actor string, spec config.ResourceSpec) (bool, error)
	RemoveResource(actor, id string) bool
	StopPolling(actor string)
	RestartPolling(actor string)
	SetPollInterval(actor string, d time.Duration) error
	Resources() []agent.ResourceView
	SchedulerStatus() agent.SchedulerView
	Health() agent.HealthStatus
}

// EventStore is the subset of storage.Store methods used by the event
// history handler.
type EventStore interface {
	// QueryEvents returns stored events matching q, newest first.
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]agent.ChangeEvent, error)
}
