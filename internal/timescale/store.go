package timescale

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/metrics"
)

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface compliance check.
var _ DB = (*pgxpool.Pool)(nil)

// Store upserts records into one feed's hypertable.
type Store struct {
	log   logrus.FieldLogger
	db    DB
	table *Table
}

// Connect opens a pool for cfg and verifies it.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// NewStore creates a Store for def's table.
func NewStore(log logrus.FieldLogger, db DB, def *feed.Definition) (*Store, error) {
	table, err := TableFor(def)
	if err != nil {
		return nil, err
	}

	return &Store{
		log:   log.WithFields(logrus.Fields{"component": "timescale", "table": table.Name}),
		db:    db,
		table: table,
	}, nil
}

// Table returns the target table layout.
func (s *Store) Table() *Table {
	return s.table
}

// Upsert writes records in one batch, which the server runs as a single
// implicit transaction.
func (s *Store) Upsert(ctx context.Context, records []feed.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := s.table.UpsertSQL()
	batch := &pgx.Batch{}

	for i := range records {
		batch.Queue(query, s.table.Args(&records[i])...)
	}

	res := s.db.SendBatch(ctx, batch)
	defer res.Close()

	for i := range records {
		if _, err := res.Exec(); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", records[i].Key(), err)
		}
	}

	if err := res.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	metrics.SinkRowsUpserted.WithLabelValues(s.table.Name).Add(float64(len(records)))

	return len(records), nil
}

// LatestTimestamp returns max(ts) of the table, false when it is empty.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, bool, error) {
	var latest *time.Time

	if err := s.db.QueryRow(ctx, s.table.LatestSQL()).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest: %w", err)
	}

	if latest == nil {
		return time.Time{}, false, nil
	}

	return latest.UTC(), true, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}
