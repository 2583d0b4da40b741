package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

const itemColumns = `external_id, prompt, negative_prompt, model_name, model_id, model_version_id,
	reaction_count, comment_count, download_count, prompt_length, tag_count, quality_score,
	COALESCE(raw, ''), collected_at`

// Save stores one item, merging into an existing record with the same id.
func (s *Store) Save(ctx context.Context, item collector.Item) (collector.SaveOutcome, error) {
	outcomes, err := s.SaveBatch(ctx, []collector.Item{item})
	if err != nil {
		return collector.OutcomeRejected, err
	}
	return outcomes[0], nil
}

// SaveBatch stores the items in a single transaction.
func (s *Store) SaveBatch(ctx context.Context, items []collector.Item) ([]collector.SaveOutcome, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", collector.ErrStorageWrite, err)
	}
	now := s.now()
	outcomes := make([]collector.SaveOutcome, 0, len(items))
	for _, item := range items {
		outcome, err := saveTx(ctx, tx, item, now)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("%w: %w", collector.ErrStorageWrite, err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", collector.ErrStorageWrite, err)
	}
	return outcomes, nil
}

func saveTx(ctx context.Context, tx *sql.Tx, item collector.Item, now time.Time) (collector.SaveOutcome, error) {
	item.ExternalID = strings.TrimSpace(item.ExternalID)
	if item.ExternalID == "" {
		return collector.OutcomeRejected, nil
	}
	if item.CollectedAt.IsZero() {
		item.CollectedAt = now
	}

	existing, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM prompts WHERE external_id = ?`, item.ExternalID))
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prompts (external_id, prompt, negative_prompt, model_name, model_id, model_version_id,
				reaction_count, comment_count, download_count, prompt_length, tag_count, quality_score,
				raw, collected_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ExternalID, item.Prompt, item.NegativePrompt, item.ModelName, item.ModelID, item.ModelVersionID,
			item.ReactionCount, item.CommentCount, item.DownloadCount, item.PromptLength, item.TagCount, item.QualityScore,
			rawArg(item.Raw), formatTime(item.CollectedAt), formatTime(now),
		); err != nil {
			return collector.OutcomeRejected, fmt.Errorf("inserting item %s: %w", item.ExternalID, err)
		}
		if err := replaceResources(ctx, tx, item); err != nil {
			return collector.OutcomeRejected, err
		}
		return collector.OutcomeInserted, nil
	}
	if err != nil {
		return collector.OutcomeRejected, fmt.Errorf("loading item %s: %w", item.ExternalID, err)
	}

	merged := collector.MergeItem(existing, item)
	if _, err := tx.ExecContext(ctx, `
		UPDATE prompts
		SET prompt = ?, negative_prompt = ?, model_name = ?, model_id = ?, model_version_id = ?,
			reaction_count = ?, comment_count = ?, download_count = ?, prompt_length = ?,
			tag_count = ?, quality_score = ?, raw = ?, updated_at = ?
		WHERE external_id = ?`,
		merged.Prompt, merged.NegativePrompt, merged.ModelName, merged.ModelID, merged.ModelVersionID,
		merged.ReactionCount, merged.CommentCount, merged.DownloadCount, merged.PromptLength,
		merged.TagCount, merged.QualityScore, rawArg(merged.Raw), formatTime(now),
		merged.ExternalID,
	); err != nil {
		return collector.OutcomeRejected, fmt.Errorf("updating item %s: %w", item.ExternalID, err)
	}
	if err := replaceResources(ctx, tx, merged); err != nil {
		return collector.OutcomeRejected, err
	}
	return collector.OutcomeUpdated, nil
}

// replaceResources rewrites the resource rows when the item carries any.
func replaceResources(ctx context.Context, tx *sql.Tx, item collector.Item) error {
	if len(item.Resources) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM prompt_resources WHERE external_id = ?`, item.ExternalID); err != nil {
		return fmt.Errorf("clearing resources for %s: %w", item.ExternalID, err)
	}
	for i, r := range item.Resources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_resources (external_id, idx, resource_type, name, model_id, model_version_id, resource_id, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ExternalID, i, r.Type, r.Name, r.ModelID, r.ModelVersionID, r.ResourceID, rawArg(r.Raw),
		); err != nil {
			return fmt.Errorf("inserting resource %d for %s: %w", i, item.ExternalID, err)
		}
	}
	return nil
}

// Exists reports whether an item with the id is stored.
func (s *Store) Exists(ctx context.Context, externalID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts WHERE external_id = ?`, externalID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking item: %w", err)
	}
	return n > 0, nil
}

// Get returns the stored item with its resources.
func (s *Store) Get(ctx context.Context, externalID string) (collector.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM prompts WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return collector.Item{}, collector.ErrNotFound
	}
	if err != nil {
		return collector.Item{}, fmt.Errorf("getting item: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, resource_type, name, model_id, model_version_id, resource_id, COALESCE(raw, '')
		FROM prompt_resources WHERE external_id = ? ORDER BY idx`, externalID)
	if err != nil {
		return collector.Item{}, fmt.Errorf("loading resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r   collector.Resource
			raw string
		)
		if err := rows.Scan(&r.Index, &r.Type, &r.Name, &r.ModelID, &r.ModelVersionID, &r.ResourceID, &raw); err != nil {
			return collector.Item{}, fmt.Errorf("scanning resource: %w", err)
		}
		if raw != "" {
			r.Raw = []byte(raw)
		}
		item.Resources = append(item.Resources, r)
	}
	return item, rows.Err()
}

// Count returns the number of stored items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return n, nil
}

func scanItem(row rowScanner) (collector.Item, error) {
	var (
		item        collector.Item
		raw         string
		collectedAt string
	)
	err := row.Scan(
		&item.ExternalID,
		&item.Prompt,
		&item.NegativePrompt,
		&item.ModelName,
		&item.ModelID,
		&item.ModelVersionID,
		&item.ReactionCount,
		&item.CommentCount,
		&item.DownloadCount,
		&item.PromptLength,
		&item.TagCount,
		&item.QualityScore,
		&raw,
		&collectedAt,
	)
	if err != nil {
		return collector.Item{}, err
	}
	if raw != "" {
		item.Raw = []byte(raw)
	}
	if item.CollectedAt, err = parseTime(collectedAt); err != nil {
		return collector.Item{}, err
	}
	return item, nil
}

func rawArg(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
