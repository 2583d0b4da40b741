// Package postgres provides Postgres-backed job state and item persistence.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements collector.StateStore and collector.ItemSink on Postgres.
type Store struct {
	pool pgxPool
	now  func() time.Time
}

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const stateColumns = `entity_id, version_id, last_offset, total_collected,
	COALESCE(resumption_token, ''), status, COALESCE(planned_total, -1),
	attempted, duplicates, saved, COALESCE(summary::text, ''), last_update`

// Load returns the stored state or the zero state when the target is unknown.
func (s *Store) Load(ctx context.Context, t collector.Target) (collector.JobState, error) {
	query := `SELECT ` + stateColumns + ` FROM collection_state WHERE entity_id = $1 AND version_id = $2`
	state, err := scanState(s.pool.QueryRow(ctx, query, t.EntityID, t.VersionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return collector.NewJobState(t), nil
		}
		return collector.JobState{}, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

// Advance atomically adds newlyAccepted and moves the offset forward. The guarded
// upsert touches no row when the offset would decrease.
func (s *Store) Advance(ctx context.Context, t collector.Target, newlyAccepted, newOffset int, token string) error {
	if newlyAccepted < 0 || newOffset < 0 {
		return fmt.Errorf("advance with negative values: accepted=%d offset=%d", newlyAccepted, newOffset)
	}
	query := `
		INSERT INTO collection_state (entity_id, version_id, last_offset, total_collected, resumption_token, status, last_update)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'idle', $6)
		ON CONFLICT (entity_id, version_id) DO UPDATE
		SET last_offset = EXCLUDED.last_offset,
			total_collected = collection_state.total_collected + EXCLUDED.total_collected,
			resumption_token = EXCLUDED.resumption_token,
			last_update = EXCLUDED.last_update
		WHERE collection_state.last_offset <= EXCLUDED.last_offset;
	`
	tag, err := s.pool.Exec(ctx, query, t.EntityID, t.VersionID, newOffset, newlyAccepted, token, s.now())
	if err != nil {
		return fmt.Errorf("failed to advance state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: target %s offset %d", collector.ErrOffsetRegression, t, newOffset)
	}
	return nil
}

// SetStatus updates status and planned total only.
func (s *Store) SetStatus(ctx context.Context, t collector.Target, status collector.Status, plannedTotal *int) error {
	query := `
		INSERT INTO collection_state (entity_id, version_id, status, planned_total, last_update)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id, version_id) DO UPDATE
		SET status = EXCLUDED.status,
			planned_total = EXCLUDED.planned_total,
			last_update = EXCLUDED.last_update;
	`
	if _, err := s.pool.Exec(ctx, query, t.EntityID, t.VersionID, string(status), plannedTotal, s.now()); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// WriteSummary stores the run summary and its headline counters only.
func (s *Store) WriteSummary(ctx context.Context, t collector.Target, summary collector.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	query := `
		INSERT INTO collection_state (entity_id, version_id, summary, attempted, duplicates, saved, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id, version_id) DO UPDATE
		SET summary = EXCLUDED.summary,
			attempted = EXCLUDED.attempted,
			duplicates = EXCLUDED.duplicates,
			saved = EXCLUDED.saved,
			last_update = EXCLUDED.last_update;
	`
	_, err = s.pool.Exec(ctx, query,
		t.EntityID, t.VersionID, payload,
		summary.Attempted, summary.Duplicates, summary.NewSaved, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// Reset deletes the target's record.
func (s *Store) Reset(ctx context.Context, t collector.Target) error {
	query := `DELETE FROM collection_state WHERE entity_id = $1 AND version_id = $2`
	if _, err := s.pool.Exec(ctx, query, t.EntityID, t.VersionID); err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	return nil
}

// List returns every record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]collector.JobState, error) {
	query := `SELECT ` + stateColumns + ` FROM collection_state ORDER BY last_update DESC, entity_id, version_id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var states []collector.JobState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate states: %w", err)
	}
	return states, nil
}

func scanState(row pgx.Row) (collector.JobState, error) {
	var (
		state   collector.JobState
		status  string
		planned int64
		summary string
		offset  int64
		total   int64
		attempt int64
		dupes   int64
		saved   int64
	)
	err := row.Scan(
		&state.Target.EntityID,
		&state.Target.VersionID,
		&offset,
		&total,
		&state.ResumptionToken,
		&status,
		&planned,
		&attempt,
		&dupes,
		&saved,
		&summary,
		&state.LastUpdate,
	)
	if err != nil {
		return collector.JobState{}, err
	}
	state.LastOffset = int(offset)
	state.TotalCollected = int(total)
	state.Status = collector.Status(status)
	state.Attempted = int(attempt)
	state.Duplicates = int(dupes)
	state.Saved = int(saved)
	if planned >= 0 {
		p := int(planned)
		state.PlannedTotal = &p
	}
	if summary != "" {
		var rs collector.RunSummary
		if err := json.Unmarshal([]byte(summary), &rs); err != nil {
			return collector.JobState{}, fmt.Errorf("decode summary: %w", err)
		}
		state.Summary = &rs
	}
	return state, nil
}
