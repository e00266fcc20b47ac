package store

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestPostgresStore runs the contract against a real database. Set
// TEST_DATABASE_URL to run it; each subtest starts from clean tables.
func TestPostgresStore(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, databaseURL, zerolog.Nop())
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(s.Close)

	runStoreContract(t, func(t *testing.T) Store {
		if _, err := s.pool.Exec(ctx, `TRUNCATE queued_message, live_session, push_device`); err != nil {
			t.Fatalf("truncate test tables: %v", err)
		}
		return s
	})

	t.Run("CleanupInstance", func(t *testing.T) {
		if _, err := s.pool.Exec(ctx, `TRUNCATE live_session`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		testCleanupInstance(t, s)
	})
}

func testCleanupInstance(t *testing.T, s *PostgresStore) {
	ctx := context.Background()

	register := func(sessionID, connectionID, instanceID string) {
		t.Helper()
		err := s.RegisterSession(ctx, liveSessionFixture(sessionID, connectionID, instanceID))
		if err != nil {
			t.Fatalf("RegisterSession: %v", err)
		}
	}
	register("s1", "c1", "instance-a")
	register("s2", "c2", "instance-a")
	register("s3", "c3", "instance-b")

	removed, err := s.CleanupInstance(ctx, "instance-a")
	if err != nil {
		t.Fatalf("CleanupInstance: %v", err)
	}
	if removed != 2 {
		t.Fatalf("CleanupInstance removed %d rows, want 2", removed)
	}

	// The other instance's session survives.
	found, err := s.FindSession(ctx, "c3")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if found == nil || found.InstanceID != "instance-b" {
		t.Fatalf("FindSession(c3) = %+v, want instance-b's session", found)
	}
}
