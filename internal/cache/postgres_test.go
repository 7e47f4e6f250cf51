package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// openTestPostgres connects to TOOLGATE_TEST_POSTGRES_DSN or skips.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TOOLGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOOLGATE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore_SetGetDelete(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	key := "toolgate:cache:test-" + t.Name()

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrMiss) {
		_ = s.Delete(ctx, key)
	}
	if err := s.Set(ctx, key, []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, key, []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want v2", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get after Delete: err = %v, want ErrMiss", err)
	}
}

func TestPostgresStore_ExpiredRowsHiddenAndPurged(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	key := "toolgate:cache:test-" + t.Name()

	if err := s.Set(ctx, key, []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get expired: err = %v, want ErrMiss", err)
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n < 1 {
		t.Errorf("PurgeExpired removed %d rows, want at least 1", n)
	}
}
