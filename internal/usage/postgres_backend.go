package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agpool/agpool/internal/logging"
)

var pgLog = logging.With("component", "usage-postgres")

// PostgresBackend implements Backend on top of PostgreSQL, selected
// when the configured DSN uses a postgres:// scheme.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan UsageRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("usage: postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: pinging database: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: initializing schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan UsageRecord, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS usage_records (
		id BIGSERIAL PRIMARY KEY,
		account_index INTEGER NOT NULL,
		family TEXT NOT NULL,
		header_style TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		reason TEXT NOT NULL DEFAULT '',
		tokens BIGINT NOT NULL DEFAULT 0,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);
	CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account_index);
	CREATE INDEX IF NOT EXISTS idx_usage_family_model ON usage_records(family, model);
	`)
	return err
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return err
}

func (b *PostgresBackend) Enqueue(record UsageRecord) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		pgLog.Warnf("usage queue full, dropping record for account %d model %s", record.AccountIndex, record.Model)
	}
}

func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]UsageRecord, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens), 0)
		FROM usage_records WHERE requested_at >= $1
	`, since)
	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("usage: querying global stats: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT TO_CHAR(requested_at, 'YYYY-MM-DD') as day, COUNT(*), COALESCE(SUM(tokens), 0)
		FROM usage_records WHERE requested_at >= $1
		GROUP BY day ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: querying daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT EXTRACT(HOUR FROM requested_at)::int as hour, COUNT(*), COALESCE(SUM(tokens), 0)
		FROM usage_records WHERE requested_at >= $1
		GROUP BY hour ORDER BY hour
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: querying hourly stats: %w", err)
	}
	defer rows.Close()

	var results []HourlyStats
	for rows.Next() {
		var h HourlyStats
		if err := rows.Scan(&h.Hour, &h.Requests, &h.Tokens); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryFamilyStats(ctx context.Context, since time.Time) ([]FamilyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT family, COUNT(*),
			SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens), 0),
			COUNT(DISTINCT account_index)
		FROM usage_records WHERE requested_at >= $1
		GROUP BY family ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: querying family stats: %w", err)
	}
	defer rows.Close()

	var results []FamilyStats
	for rows.Next() {
		var f FamilyStats
		if err := rows.Scan(&f.Family, &f.Requests, &f.SuccessCount, &f.FailureCount, &f.TotalTokens, &f.AccountCount); err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT account_index, family, COUNT(*),
			SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens), 0)
		FROM usage_records WHERE requested_at >= $1
		GROUP BY account_index, family ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: querying account stats: %w", err)
	}
	defer rows.Close()

	var results []AccountStats
	for rows.Next() {
		var a AccountStats
		if err := rows.Scan(&a.AccountIndex, &a.Family, &a.Requests, &a.SuccessCount, &a.FailureCount, &a.TotalTokens); err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT model, family, COUNT(*),
			SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens), 0)
		FROM usage_records WHERE requested_at >= $1
		GROUP BY model, family ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: querying model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.Family, &m.Requests, &m.SuccessCount, &m.FailureCount, &m.TotalTokens); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM usage_records WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]UsageRecord, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			pgLog.Errorf("writing usage batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO usage_records (account_index, family, header_style, model, requested_at, failed, reason, tokens, latency_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.AccountIndex, string(r.Family), string(r.HeaderStyle), r.Model, r.RequestedAt, r.Failed, r.Reason, r.Tokens, r.LatencyMs)
	}
	br := b.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("usage: inserting record: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				pgLog.Errorf("cleaning up usage records: %v", err)
			} else if deleted > 0 {
				pgLog.Infof("cleaned up %d usage records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
