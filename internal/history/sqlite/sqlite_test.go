package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/stackbox/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Service: "apache", Action: "start", Success: true, Polls: 3, ElapsedMS: 3000}},
		{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: history.Record{Service: "mysql", Action: "stop", Reason: "mysql did not stop after 2 attempts", Polls: 2, ElapsedMS: 2000}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var total, failed int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable).Scan(&total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE success = 0 AND reason LIKE '%mysql%'").Scan(&failed); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 || failed != 1 {
		t.Fatalf("total=%d failed=%d", total, failed)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	e := history.Event{Type: history.EventRestart, OccurredAt: time.Now(), Record: history.Record{Service: "apache", Action: "restart", Success: true}}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	var n int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM " + history.DefaultTable + " WHERE type = 'restart'").Scan(&n); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
