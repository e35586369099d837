package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronicle-db/chronicle/internal/db"
)

// testConnection connects to the database named by DATABASE_URL and applies
// the schema migrations. Tests that need a live database skip when the
// variable is unset.
func testConnection(t *testing.T) *db.Connection {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set, skipping database test")
	}

	migrateURL := databaseURL
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(migrateURL, scheme) {
			migrateURL = "pgx5://" + strings.TrimPrefix(migrateURL, scheme)
			break
		}
	}
	if err := db.RunMigrationsURL(migrateURL); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return &db.Connection{Pool: pool}
}

// testClock is a manually advanced clock for building deterministic
// histories.
type testClock struct {
	at time.Time
}

func newTestClock() *testClock {
	return &testClock{at: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.at
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.at = c.at.Add(d)
	return c.at
}
