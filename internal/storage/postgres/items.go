package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

const itemColumns = `external_id, prompt, negative_prompt, model_name, model_id, model_version_id,
	reaction_count, comment_count, download_count, prompt_length, tag_count, quality_score,
	COALESCE(raw::text, ''), collected_at`

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", collector.ErrStorageWrite, err)
	}
	outcomes := make([]collector.SaveOutcome, 0, len(items))
	for _, item := range items {
		outcome, err := s.saveTx(ctx, tx, item)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("%w: %w", collector.ErrStorageWrite, err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", collector.ErrStorageWrite, err)
	}
	return outcomes, nil
}

func (s *Store) saveTx(ctx context.Context, tx pgx.Tx, item collector.Item) (collector.SaveOutcome, error) {
	item.ExternalID = strings.TrimSpace(item.ExternalID)
	if item.ExternalID == "" {
		return collector.OutcomeRejected, nil
	}
	now := s.now()
	if item.CollectedAt.IsZero() {
		item.CollectedAt = now
	}

	// Concurrent targets can race on the same id; the loser of the insert
	// falls through to the locked merge below.
	inserted, err := insertItem(ctx, tx, item, now)
	if err != nil {
		return collector.OutcomeRejected, err
	}
	if inserted {
		if err := replaceResources(ctx, tx, item); err != nil {
			return collector.OutcomeRejected, err
		}
		return collector.OutcomeInserted, nil
	}

	query := `SELECT ` + itemColumns + ` FROM prompts WHERE external_id = $1 FOR UPDATE`
	existing, err := scanItem(tx.QueryRow(ctx, query, item.ExternalID))
	if err != nil {
		return collector.OutcomeRejected, fmt.Errorf("failed to load item %s: %w", item.ExternalID, err)
	}

	merged := collector.MergeItem(existing, item)
	if err := updateItem(ctx, tx, merged, now); err != nil {
		return collector.OutcomeRejected, err
	}
	if len(item.Resources) > 0 {
		if err := replaceResources(ctx, tx, merged); err != nil {
			return collector.OutcomeRejected, err
		}
	}
	return collector.OutcomeUpdated, nil
}

// insertItem reports false when a row with the id already exists.
func insertItem(ctx context.Context, tx pgx.Tx, item collector.Item, now time.Time) (bool, error) {
	query := `
		INSERT INTO prompts (external_id, prompt, negative_prompt, model_name, model_id, model_version_id,
			reaction_count, comment_count, download_count, prompt_length, tag_count, quality_score,
			raw, collected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING external_id;
	`
	var id string
	err := tx.QueryRow(ctx, query,
		item.ExternalID, item.Prompt, item.NegativePrompt, item.ModelName, item.ModelID, item.ModelVersionID,
		item.ReactionCount, item.CommentCount, item.DownloadCount, item.PromptLength, item.TagCount, item.QualityScore,
		rawArg(item.Raw), item.CollectedAt, now,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to insert item %s: %w", item.ExternalID, err)
	}
	return true, nil
}

func updateItem(ctx context.Context, tx pgx.Tx, item collector.Item, now time.Time) error {
	query := `
		UPDATE prompts
		SET prompt = $2, negative_prompt = $3, model_name = $4, model_id = $5, model_version_id = $6,
			reaction_count = $7, comment_count = $8, download_count = $9, prompt_length = $10,
			tag_count = $11, quality_score = $12, raw = $13, updated_at = $14
		WHERE external_id = $1;
	`
	_, err := tx.Exec(ctx, query,
		item.ExternalID, item.Prompt, item.NegativePrompt, item.ModelName, item.ModelID, item.ModelVersionID,
		item.ReactionCount, item.CommentCount, item.DownloadCount, item.PromptLength, item.TagCount, item.QualityScore,
		rawArg(item.Raw), now,
	)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", item.ExternalID, err)
	}
	return nil
}

func replaceResources(ctx context.Context, tx pgx.Tx, item collector.Item) error {
	if len(item.Resources) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM prompt_resources WHERE external_id = $1`, item.ExternalID); err != nil {
		return fmt.Errorf("failed to clear resources for %s: %w", item.ExternalID, err)
	}
	query := `
		INSERT INTO prompt_resources (external_id, idx, resource_type, name, model_id, model_version_id, resource_id, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	for i, r := range item.Resources {
		_, err := tx.Exec(ctx, query,
			item.ExternalID, i, r.Type, r.Name, r.ModelID, r.ModelVersionID, r.ResourceID, rawArg(r.Raw),
		)
		if err != nil {
			return fmt.Errorf("failed to insert resource %d for %s: %w", i, item.ExternalID, err)
		}
	}
	return nil
}

// Exists reports whether an item with the id is stored.
func (s *Store) Exists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prompts WHERE external_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check item: %w", err)
	}
	return exists, nil
}

// Get returns the stored item with its resources.
func (s *Store) Get(ctx context.Context, externalID string) (collector.Item, error) {
	item, err := getItem(ctx, s.pool, externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return collector.Item{}, collector.ErrNotFound
		}
		return collector.Item{}, fmt.Errorf("failed to get item: %w", err)
	}

	query := `
		SELECT idx, resource_type, name, model_id, model_version_id, resource_id, COALESCE(raw::text, '')
		FROM prompt_resources WHERE external_id = $1 ORDER BY idx
	`
	rows, err := s.pool.Query(ctx, query, externalID)
	if err != nil {
		return collector.Item{}, fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r   collector.Resource
			idx int32
			raw string
		)
		if err := rows.Scan(&idx, &r.Type, &r.Name, &r.ModelID, &r.ModelVersionID, &r.ResourceID, &raw); err != nil {
			return collector.Item{}, fmt.Errorf("failed to scan resource: %w", err)
		}
		r.Index = int(idx)
		if raw != "" {
			r.Raw = []byte(raw)
		}
		item.Resources = append(item.Resources, r)
	}
	if err := rows.Err(); err != nil {
		return collector.Item{}, fmt.Errorf("failed to iterate resources: %w", err)
	}
	return item, nil
}

// Count returns the number of stored items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prompts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return int(n), nil
}

func getItem(ctx context.Context, q rowQuerier, externalID string) (collector.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM prompts WHERE external_id = $1`
	return scanItem(q.QueryRow(ctx, query, externalID))
}

func scanItem(row pgx.Row) (collector.Item, error) {
	var (
		item                                 collector.Item
		reactions, comments, downloads       int64
		promptLength, tagCount, qualityScore int64
		raw                                  string
	)
	err := row.Scan(
		&item.ExternalID,
		&item.Prompt,
		&item.NegativePrompt,
		&item.ModelName,
		&item.ModelID,
		&item.ModelVersionID,
		&reactions,
		&comments,
		&downloads,
		&promptLength,
		&tagCount,
		&qualityScore,
		&raw,
		&item.CollectedAt,
	)
	if err != nil {
		return collector.Item{}, err
	}
	item.ReactionCount = int(reactions)
	item.CommentCount = int(comments)
	item.DownloadCount = int(downloads)
	item.PromptLength = int(promptLength)
	item.TagCount = int(tagCount)
	item.QualityScore = int(qualityScore)
	if raw != "" {
		item.Raw = []byte(raw)
	}
	return item, nil
}

func rawArg(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
