package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgCreateTable = `CREATE TABLE IF NOT EXISTS syncline_cache (
		key        TEXT PRIMARY KEY,
		entry      JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`
	pgFetch         = `SELECT entry FROM syncline_cache WHERE key = $1`
	pgUpsert        = `INSERT INTO syncline_cache (key, entry, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET entry = EXCLUDED.entry, expires_at = EXCLUDED.expires_at`
	pgDeletePrefix  = `DELETE FROM syncline_cache WHERE key LIKE $1 || '%'`
	pgDeleteExpired = `DELETE FROM syncline_cache WHERE expires_at < $1`
)

// PGStore implements DurableStore on Postgres, for deployments where several
// client processes share one durable tier. Entries past their expiry are
// still returned (conditional revalidation needs the validators); a
// background sweep removes rows whose grace period has lapsed.
type PGStore struct {
	pool  *pgxpool.Pool
	grace time.Duration
	stop  chan struct{}
}

// NewPGStore connects, ensures the cache table exists and starts the expiry
// sweep. grace is how long entries are retained past their expiry so they
// stay usable as revalidation sources; zero means 24h.
func NewPGStore(ctx context.Context, dsn string, grace time.Duration) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgCreateTable); err != nil {
		pool.Close()
		return nil, err
	}
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	s := &PGStore{pool: pool, grace: grace, stop: make(chan struct{})}
	go s.sweep()
	return s, nil
}

// Get implements DurableStore.
func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	if err := s.pool.QueryRow(ctx, pgFetch, key).Scan(&e); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Set implements DurableStore.
func (s *PGStore) Set(ctx context.Context, key string, entry *Entry) error {
	_, err := s.pool.Exec(ctx, pgUpsert, key, entry, entry.ExpiresAt.Add(s.grace))
	return err
}

// DeletePrefix implements DurableStore.
func (s *PGStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.pool.Exec(ctx, pgDeletePrefix, prefix)
	return err
}

// Close stops the sweep and releases the pool.
func (s *PGStore) Close() {
	close(s.stop)
	s.pool.Close()
}

func (s *PGStore) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = s.pool.Exec(ctx, pgDeleteExpired, time.Now().UTC())
			cancel()
		}
	}
}
