// Package queue provides the WAL-mode SQLite change journal of the
// remotewatch agent. It implements agent.Queue: every lifecycle event is
// persisted on Enqueue and stays pending until the delivery loop calls Ack,
// which gives at-least-once delivery to the event store across restarts.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the event
// pipeline can Enqueue while the delivery goroutine runs Dequeue and Ack.
//
// # Storage format
//
// Each row keeps the JSON encoding of the agent.ChangeEvent plus a few
// indexed columns (kind, resource, observed_at) for inspection with the
// sqlite3 shell. The JSON column is authoritative.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/remotewatch/agent/internal/agent"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed implementation of agent.Queue.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

var _ agent.Queue = (*SQLiteQueue)(nil)

// New opens (or creates) the journal at path, enables WAL journal mode, and
// applies the schema. If path is ":memory:", an in-memory database is used;
// this is suitable for tests but loses all data when closed.
//
// The depth counter is seeded from the rows still pending, so Depth() is
// accurate immediately after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL: durable across application crashes, not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_journal WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS change_journal (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    resource    TEXT    NOT NULL,
    observed_at TEXT    NOT NULL,
    event       TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_journal_pending
    ON change_journal (delivered, id);
CREATE INDEX IF NOT EXISTS idx_change_journal_resource
    ON change_journal (resource, id);
`

// Enqueue persists evt with delivered = 0. It is returned by subsequent
// Dequeue calls until Ack is called for its row ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, evt agent.ChangeEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: marshal event: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO change_journal (event_id, kind, resource, observed_at, event)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Kind,
		evt.Resource,
		evt.ObservedAt.UTC().Format(time.RFC3339Nano),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n pending events, oldest first. It does not mark
// them as delivered; call Ack with the returned IDs to do that. If n ≤ 0,
// Dequeue returns nil without querying the database.
//
// A row whose JSON no longer decodes is returned with only the indexed
// columns filled in, so one bad row cannot wedge delivery.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]agent.PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, event_id, kind, resource, observed_at, event
		 FROM   change_journal
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var events []agent.PendingEvent
	for rows.Next() {
		var (
			pe         agent.PendingEvent
			eventID    string
			kind       string
			resource   string
			observedAt string
			raw        string
		)
		if err := rows.Scan(&pe.ID, &eventID, &kind, &resource, &observedAt, &raw); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		if err := json.Unmarshal([]byte(raw), &pe.Evt); err != nil {
			pe.Evt = agent.ChangeEvent{ID: eventID, Kind: kind, Resource: resource}
			pe.Evt.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)
		}

		events = append(events, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return events, nil
}

// Ack marks the rows identified by ids as delivered. It is idempotent; the
// depth counter only moves for rows that were still pending.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE change_journal SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Prune deletes delivered rows enqueued before cutoff and returns how many
// were removed.
func (q *SQLiteQueue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM change_journal WHERE delivered = 1 AND enqueued_at < ?`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Depth returns the number of pending events from an atomic counter, so it
// never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. The queue must not be
// used after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
