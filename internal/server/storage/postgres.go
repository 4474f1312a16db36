package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remotewatch/agent/internal/agent"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the PostgreSQL-backed event store. It implements agent.Sink.
type Store struct {
	pool *pgxpool.Pool
}

var _ agent.Sink = (*Store)(nil)

// New opens a pgxpool connection to connStr and pings the database. Call
// Migrate before the first Deliver.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations in file-name order. Every
// migration is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Deliver inserts evts in a single pgx.Batch round-trip. Rows whose
// event_id already exists are ignored, so redelivery after a crash between
// Deliver and Ack is harmless.
func (s *Store) Deliver(ctx context.Context, evts []agent.ChangeEvent) error {
	if len(evts) == 0 {
		return nil
	}

	const query = `
		INSERT INTO change_events
			(event_id, kind, resource, name, previous_modified, last_modified,
			 payload_kind, content_type, size, body, reason, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range evts {
		e := &evts[i]
		b.Queue(query,
			e.ID, e.Kind, e.Resource,
			nullableStr(e.Name),
			nullableTime(e.Previous),
			nullableTime(e.LastModified),
			nullableStr(e.PayloadKind),
			nullableStr(e.ContentType),
			e.Size,
			nullableStr(e.Body),
			nullableStr(e.Reason),
			e.ObservedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range evts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec change event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns stored events matching q, newest first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]agent.ChangeEvent, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}

	// Base args: $1=limit, $2=offset
	args := []any{q.Limit, q.Offset}
	where := "WHERE TRUE"
	argIdx := 3

	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, q.Kind)
		argIdx++
	}
	if q.Resource != "" {
		where += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, q.Resource)
		argIdx++
	}
	if !q.Since.IsZero() {
		where += fmt.Sprintf(" AND observed_at >= $%d", argIdx)
		args = append(args, q.Since)
		argIdx++
	}
	if !q.Until.IsZero() {
		where += fmt.Sprintf(" AND observed_at < $%d", argIdx)
		args = append(args, q.Until)
	}

	sql := fmt.Sprintf(`
		SELECT event_id::text, kind, resource, name, previous_modified, last_modified,
		       payload_kind, content_type, size, body, reason, observed_at
		FROM   change_events
		%s
		ORDER  BY observed_at DESC, event_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()

	var evts []agent.ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// scanEvent reads one change_events row.
func scanEvent(row pgx.Row) (agent.ChangeEvent, error) {
	var (
		e                                            agent.ChangeEvent
		name, payloadKind, contentType, body, reason *string
		previous, lastModified                       *time.Time
	)
	err := row.Scan(
		&e.ID, &e.Kind, &e.Resource, &name,
		&previous, &lastModified,
		&payloadKind, &contentType, &e.Size, &body, &reason,
		&e.ObservedAt,
	)
	if err != nil {
		return agent.ChangeEvent{}, err
	}
	e.Name = deref(name)
	e.PayloadKind = deref(payloadKind)
	e.ContentType = deref(contentType)
	e.Body = deref(body)
	e.Reason = deref(reason)
	if previous != nil {
		e.Previous = previous.UTC()
	}
	if lastModified != nil {
		e.LastModified = lastModified.UTC()
	}
	e.ObservedAt = e.ObservedAt.UTC()
	return e, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
