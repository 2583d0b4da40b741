package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

const stateColumns = `entity_id, version_id, last_offset, total_collected,
	COALESCE(resumption_token, ''), status, COALESCE(planned_total, -1),
	attempted, duplicates, saved, COALESCE(summary, ''), last_update`

type rowScanner interface {
	Scan(dest ...any) error
}

// Load returns the stored state or the zero state when the target is unknown.
func (s *Store) Load(ctx context.Context, t collector.Target) (collector.JobState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM collection_state WHERE entity_id = ? AND version_id = ?`,
		t.EntityID, t.VersionID,
	)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return collector.NewJobState(t), nil
	}
	if err != nil {
		return collector.JobState{}, fmt.Errorf("loading state: %w", err)
	}
	return state, nil
}

// Advance adds newlyAccepted and moves the offset forward in one statement.
func (s *Store) Advance(ctx context.Context, t collector.Target, newlyAccepted, newOffset int, token string) error {
	if newlyAccepted < 0 || newOffset < 0 {
		return fmt.Errorf("advance with negative values: accepted=%d offset=%d", newlyAccepted, newOffset)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_state (entity_id, version_id, last_offset, total_collected, resumption_token, status, last_update)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), 'idle', ?)
		ON CONFLICT(entity_id, version_id) DO UPDATE
		SET last_offset = excluded.last_offset,
			total_collected = collection_state.total_collected + excluded.total_collected,
			resumption_token = excluded.resumption_token,
			last_update = excluded.last_update
		WHERE collection_state.last_offset <= excluded.last_offset`,
		t.EntityID, t.VersionID, newOffset, newlyAccepted, token, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("advancing state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advancing state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: target %s offset %d", collector.ErrOffsetRegression, t, newOffset)
	}
	return nil
}

// SetStatus updates status and planned total only.
func (s *Store) SetStatus(ctx context.Context, t collector.Target, status collector.Status, plannedTotal *int) error {
	var planned sql.NullInt64
	if plannedTotal != nil {
		planned = sql.NullInt64{Int64: int64(*plannedTotal), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_state (entity_id, version_id, status, planned_total, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, version_id) DO UPDATE
		SET status = excluded.status,
			planned_total = excluded.planned_total,
			last_update = excluded.last_update`,
		t.EntityID, t.VersionID, string(status), planned, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	return nil
}

// WriteSummary stores the run summary and its headline counters only.
func (s *Store) WriteSummary(ctx context.Context, t collector.Target, summary collector.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collection_state (entity_id, version_id, summary, attempted, duplicates, saved, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, version_id) DO UPDATE
		SET summary = excluded.summary,
			attempted = excluded.attempted,
			duplicates = excluded.duplicates,
			saved = excluded.saved,
			last_update = excluded.last_update`,
		t.EntityID, t.VersionID, string(payload),
		summary.Attempted, summary.Duplicates, summary.NewSaved, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// Reset deletes the target's record.
func (s *Store) Reset(ctx context.Context, t collector.Target) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM collection_state WHERE entity_id = ? AND version_id = ?`, t.EntityID, t.VersionID)
	if err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}
	return nil
}

// List returns every record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]collector.JobState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM collection_state ORDER BY last_update DESC, entity_id, version_id`)
	if err != nil {
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer rows.Close()

	var states []collector.JobState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanState(row rowScanner) (collector.JobState, error) {
	var (
		state      collector.JobState
		status     string
		planned    int64
		summary    string
		lastUpdate string
	)
	err := row.Scan(
		&state.Target.EntityID,
		&state.Target.VersionID,
		&state.LastOffset,
		&state.TotalCollected,
		&state.ResumptionToken,
		&status,
		&planned,
		&state.Attempted,
		&state.Duplicates,
		&state.Saved,
		&summary,
		&lastUpdate,
	)
	if err != nil {
		return collector.JobState{}, err
	}
	state.Status = collector.Status(status)
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
	if state.LastUpdate, err = parseTime(lastUpdate); err != nil {
		return collector.JobState{}, err
	}
	return state, nil
}
