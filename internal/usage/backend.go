// Package usage records per-request outcomes (which account served a
// request, whether it succeeded, how long it took, how many tokens it
// cost) and serves aggregated statistics back out. Writes are buffered
// and flushed in batches so the hot request path never blocks on disk
// or network I/O.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agpool/agpool/internal/pool"
)

// UsageRecord is one completed dispatch, successful or not.
type UsageRecord struct {
	AccountIndex int
	Family       pool.Family
	HeaderStyle  pool.HeaderStyle
	Model        string
	RequestedAt  time.Time
	Failed       bool
	Reason       string // empty on success, else a pool.RateLimitReason or classifier reason
	Tokens       int64
	LatencyMs    int64
}

// Backend persists UsageRecords and answers aggregate queries over them.
// Both implementations batch writes through an internal channel so
// Enqueue never blocks the caller.
type Backend interface {
	Enqueue(record UsageRecord)
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)
	QueryFamilyStats(ctx context.Context, since time.Time) ([]FamilyStats, error)
	QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	Cleanup(ctx context.Context, before time.Time) (int64, error)

	Start() error
	Stop() error
}

// BackendConfig tunes batching and retention; zero values fall back to
// each backend's own defaults.
type BackendConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

// NewBackend dispatches on the DSN scheme: a bare filesystem path (or
// "sqlite:" prefix) selects SQLite, "postgres://"/"postgresql://"
// selects Postgres.
func NewBackend(cfg BackendConfig) (Backend, error) {
	dsn := cfg.DSN
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn, cfg)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"), cfg)
	case dsn == "":
		return nil, fmt.Errorf("usage: DSN is required")
	default:
		return NewSQLiteBackend(dsn, cfg)
	}
}
