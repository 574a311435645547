package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/stackbox/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	start := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Service: "apache", Action: "start", Success: true, Polls: 3, ElapsedMS: 3000},
	}
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	stop := history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Service: "apache", Action: "stop", Reason: "apache did not stop after 10 attempts", Polls: 10, Escalated: true},
	}
	if err := sink.Send(ctx, stop); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count, escalated int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE service = $1", "apache").Scan(&count); err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE escalated AND NOT success").Scan(&escalated); err != nil {
		t.Fatalf("Failed to count escalations: %v", err)
	}
	if count != 2 || escalated != 1 {
		t.Errorf("count=%d escalated=%d", count, escalated)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
