package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "collector.db")
	s1, err := Open(path)
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations(context.Background())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.AppliedMigrations(context.Background())
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.Equal(t, []int{1}, v2)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)
}

func TestStateLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	target := collector.Target{EntityID: "42", VersionID: "7"}

	state, err := s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, collector.NewJobState(target), state)

	planned := 250
	require.NoError(t, s.SetStatus(ctx, target, collector.StatusRunning, &planned))
	require.NoError(t, s.Advance(ctx, target, 95, 100, ""))
	require.NoError(t, s.Advance(ctx, target, 100, 200, "cursor:abc"))

	state, err = s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 200, state.LastOffset)
	require.Equal(t, 195, state.TotalCollected)
	require.Equal(t, "cursor:abc", state.ResumptionToken)
	require.Equal(t, collector.StatusRunning, state.Status)
	require.NotNil(t, state.PlannedTotal)
	require.Equal(t, 250, *state.PlannedTotal)
	require.False(t, state.LastUpdate.IsZero())

	summary := collector.RunSummary{RunID: "run-1", Attempted: 200, Duplicates: 5, NewSaved: 195}
	require.NoError(t, s.WriteSummary(ctx, target, summary))
	require.NoError(t, s.SetStatus(ctx, target, collector.StatusCompleted, &planned))

	state, err = s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, collector.StatusCompleted, state.Status)
	require.Equal(t, 200, state.Attempted)
	require.Equal(t, 5, state.Duplicates)
	require.Equal(t, 195, state.Saved)
	require.NotNil(t, state.Summary)
	require.Equal(t, "run-1", state.Summary.RunID)
	require.Equal(t, 200, state.LastOffset, "summary writes must not touch the offset")

	states, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)

	require.NoError(t, s.Reset(ctx, target))
	state, err = s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 0, state.LastOffset)
	require.Equal(t, collector.StatusIdle, state.Status)
}

func TestAdvanceRejectsRegression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	target := collector.Target{EntityID: "42"}

	require.NoError(t, s.Advance(ctx, target, 10, 100, ""))
	err := s.Advance(ctx, target, 5, 50, "")
	require.ErrorIs(t, err, collector.ErrOffsetRegression)

	state, err := s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 100, state.LastOffset)
	require.Equal(t, 10, state.TotalCollected)
}

func TestAdvanceConcurrentUpdatesAreNotLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	target := collector.Target{EntityID: "42"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Advance(ctx, target, 1, 0, ""))
		}()
	}
	wg.Wait()

	state, err := s.Load(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 20, state.TotalCollected)
}

func TestSaveBatchInsertsAndMerges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	collected := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := collector.Item{
		ExternalID:     "101",
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
		ModelVersionID: "7",
		ReactionCount:  3,
		Raw:            json.RawMessage(`{"id":101}`),
		CollectedAt:    collected,
		Resources: []collector.Resource{
			{Index: 0, Type: "checkpoint", Name: "base", ModelVersionID: "7"},
		},
	}
	outcomes, err := s.SaveBatch(ctx, []collector.Item{first, {ExternalID: " "}})
	require.NoError(t, err)
	require.Equal(t, []collector.SaveOutcome{collector.OutcomeInserted, collector.OutcomeRejected}, outcomes)

	outcome, err := s.Save(ctx, collector.Item{ExternalID: "101", Prompt: "a lighthouse at dawn", ReactionCount: 9, ModelVersionID: "99"})
	require.NoError(t, err)
	require.Equal(t, collector.OutcomeUpdated, outcome)

	got, err := s.Get(ctx, "101")
	require.NoError(t, err)
	require.Equal(t, "a lighthouse at dawn", got.Prompt)
	require.Equal(t, "blurry", got.NegativePrompt)
	require.Equal(t, 9, got.ReactionCount)
	require.Equal(t, "7", got.ModelVersionID)
	require.Equal(t, collected, got.CollectedAt)
	require.JSONEq(t, `{"id":101}`, string(got.Raw))
	require.Len(t, got.Resources, 1)
	require.Equal(t, "base", got.Resources[0].Name)

	exists, err := s.Exists(ctx, "101")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = s.Exists(ctx, "999")
	require.NoError(t, err)
	require.False(t, exists)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGetMissingItem(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.Get(context.Background(), "404")
	require.ErrorIs(t, err, collector.ErrNotFound)
}
