package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/swapr/internal/history"
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

	started := time.Now().Add(-5 * time.Second).UTC()
	events := []history.Event{
		{
			Type:       history.EventUpgrade,
			OccurredAt: time.Now().UTC(),
			Record: history.Record{
				ID: uuid.NewString(), Service: "wolfserve", Candidate: "/srv/build/wolfserve",
				Backup: "/opt/wolfserve/backups/wolfserve-20260101T000000.000000000Z.bak",
				Outcome: "committed", Kind: "none", Phase: "COMMITTED", StartedAt: started, DurationMS: 5000,
			},
		},
		{
			Type:       history.EventRollback,
			OccurredAt: time.Now().UTC(),
			Record: history.Record{
				ID: uuid.NewString(), Service: "wolfserve", Outcome: "failed", Kind: "NoBackupAvailable",
				Phase: "FAILED", Error: "no backup available", StartedAt: started, DurationMS: 1,
			},
		},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "wolfserve")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d rows, got %d", len(events), n)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
