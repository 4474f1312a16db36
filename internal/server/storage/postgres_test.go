//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remotewatch/agent/internal/agent"
	"github.com/remotewatch/agent/internal/server/storage"
)

// setupStore starts a PostgreSQL container, migrates it and returns a Store.
func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("remotewatch_test"),
		tcpostgres.WithUsername("remotewatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := storage.New(ctx, connStr)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return store
}

func testEvent(kind, res string, observed time.Time) agent.ChangeEvent {
	return agent.ChangeEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Resource:     res,
		Name:         "fixture",
		LastModified: observed.Add(-time.Minute),
		PayloadKind:  "text",
		ContentType:  "text/plain",
		Size:         5,
		Body:         "hello",
		ObservedAt:   observed,
	}
}

func TestDeliverAndQuery(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	evts := []agent.ChangeEvent{
		testEvent("added", "/a.txt", base),
		testEvent("modified", "/a.txt", base.Add(time.Second)),
		testEvent("added", "/b.txt", base.Add(2*time.Second)),
	}
	evts[1].Previous = base.Add(-time.Minute)
	if err := store.Deliver(ctx, evts); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	all, err := store.QueryEvents(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Resource != "/b.txt" {
		t.Errorf("newest event resource = %q, want /b.txt", all[0].Resource)
	}

	got := all[1]
	if got.ID != evts[1].ID || got.Kind != "modified" || got.Body != "hello" {
		t.Errorf("stored event = %+v", got)
	}
	if !got.Previous.Equal(evts[1].Previous) || !got.LastModified.Equal(evts[1].LastModified) {
		t.Errorf("timestamps = %v -> %v", got.Previous, got.LastModified)
	}
	if !all[2].Previous.IsZero() {
		t.Errorf("added event Previous = %v, want zero", all[2].Previous)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	evt := testEvent("removed", "/gone.txt", time.Now().UTC().Truncate(time.Millisecond))
	for i := 0; i < 2; i++ {
		if err := store.Deliver(ctx, []agent.ChangeEvent{evt}); err != nil {
			t.Fatalf("Deliver #%d: %v", i+1, err)
		}
	}

	got, err := store.QueryEvents(ctx, storage.EventQuery{Resource: "/gone.txt"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d rows after redelivery, want 1", len(got))
	}
}

func TestQueryEventsFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	invalid := testEvent("invalid", "/c.txt", base.Add(3*time.Second))
	invalid.Body = ""
	invalid.Reason = "not found (HTTP 404)"
	evts := []agent.ChangeEvent{
		testEvent("added", "/a.txt", base),
		testEvent("modified", "/a.txt", base.Add(time.Second)),
		testEvent("added", "/b.txt", base.Add(2*time.Second)),
		invalid,
	}
	if err := store.Deliver(ctx, evts); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	cases := []struct {
		name string
		q    storage.EventQuery
		want int
	}{
		{"kind", storage.EventQuery{Kind: "added"}, 2},
		{"resource", storage.EventQuery{Resource: "/a.txt"}, 2},
		{"kind and resource", storage.EventQuery{Kind: "added", Resource: "/a.txt"}, 1},
		{"since", storage.EventQuery{Since: base.Add(time.Second)}, 3},
		{"window", storage.EventQuery{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)}, 2},
		{"limit", storage.EventQuery{Limit: 2}, 2},
		{"offset", storage.EventQuery{Limit: 10, Offset: 3}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.QueryEvents(ctx, tc.q)
			if err != nil {
				t.Fatalf("QueryEvents: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("got %d events, want %d", len(got), tc.want)
			}
		})
	}

	got, err := store.QueryEvents(ctx, storage.EventQuery{Kind: "invalid"})
	if err != nil || len(got) != 1 {
		t.Fatalf("invalid query: err=%v, got %d", err, len(got))
	}
	if got[0].Reason != invalid.Reason || got[0].Body != "" {
		t.Errorf("invalid event = %+v", got[0])
	}
}
