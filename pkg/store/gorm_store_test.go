package store

import (
	"os"
	"testing"
)

// Postgres conformance runs only when a disposable database is provided.
func TestGormStore(t *testing.T) {
	dsn := os.Getenv("COACH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COACH_TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewGormStore(dsn)
		if err != nil {
			t.Fatalf("open gorm store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
