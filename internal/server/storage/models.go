// Package storage provides the PostgreSQL event store of remotewatch. The
// journal delivery loop writes lifecycle events into the change_events table
// and the control API queries them back for history views.
package storage

import (
	"time"
)

// DefaultQueryLimit is used when EventQuery.Limit is ≤ 0.
const DefaultQueryLimit = 100

// MaxQueryLimit caps EventQuery.Limit.
const MaxQueryLimit = 1000

// EventQuery carries the filters and pagination for QueryEvents. Zero
// fields do not filter. Results are ordered newest first.
type EventQuery struct {
	Kind     string
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}
