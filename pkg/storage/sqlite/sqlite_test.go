package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background(), Options{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if err := store.RecordOpen(ctx, Connection{ID: "01A", Endpoint: "echo", PeerUID: 501, PeerPID: 42, State: "active"}); err != nil {
		t.Fatalf("record open: %v", err)
	}
	if err := store.RecordEvent(ctx, "01A", "interrupted", "connection reset"); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := store.RecordClose(ctx, "01A", "invalidated", "peer closed the connection", 7); err != nil {
		t.Fatalf("record close: %v", err)
	}

	conns, err := store.ListConnections(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	c := conns[0]
	if c.State != "invalidated" || c.Messages != 7 || c.PeerUID != 501 || c.PeerPID != 42 {
		t.Fatalf("unexpected row %+v", c)
	}
	if c.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}

	events, err := store.Events(ctx, "01A")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []string{"active", "interrupted", "invalidated"}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, kinds)
		}
	}
}

func TestJournalUnknownConnection(t *testing.T) {
	store := openStore(t)
	if err := store.RecordEvent(context.Background(), "missing", "active", ""); err == nil {
		t.Fatal("expected error for unknown connection")
	}
}

func TestJournalPrune(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, id := range []string{"old", "open"} {
		if err := store.RecordOpen(ctx, Connection{ID: id, Endpoint: "echo", State: "active"}); err != nil {
			t.Fatalf("record open: %v", err)
		}
	}
	if err := store.RecordClose(ctx, "old", "terminated", "", 0); err != nil {
		t.Fatalf("record close: %v", err)
	}

	n, err := store.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	conns, err := store.ListConnections(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != "open" {
		t.Fatalf("unexpected rows %+v", conns)
	}
	events, err := store.Events(ctx, "old")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected cascade delete, got %d events", len(events))
	}
}
