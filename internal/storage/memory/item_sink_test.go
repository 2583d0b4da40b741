package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

func TestItemSinkInsertThenMerge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := NewItemSink()
	first := time.Unix(1700000000, 0).UTC()

	outcome, err := sink.Save(ctx, collector.Item{
		ExternalID:     "100",
		Prompt:         "a cat",
		ModelVersionID: "7",
		ReactionCount:  3,
		CollectedAt:    first,
	})
	require.NoError(t, err)
	require.Equal(t, collector.OutcomeInserted, outcome)

	outcome, err = sink.Save(ctx, collector.Item{
		ExternalID:     "100",
		Prompt:         "",
		NegativePrompt: "blurry",
		ModelVersionID: "8",
		ReactionCount:  0,
		CollectedAt:    first.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, collector.OutcomeUpdated, outcome)

	stored, err := sink.Get(ctx, "100")
	require.NoError(t, err)
	require.Equal(t, "a cat", stored.Prompt)
	require.Equal(t, "blurry", stored.NegativePrompt)
	require.Equal(t, "7", stored.ModelVersionID)
	require.Equal(t, 3, stored.ReactionCount)
	require.Equal(t, first, stored.CollectedAt)

	count, err := sink.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestItemSinkSaveBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := NewItemSink()
	_, err := sink.Save(ctx, collector.Item{ExternalID: "1", Prompt: "x"})
	require.NoError(t, err)

	outcomes, err := sink.SaveBatch(ctx, []collector.Item{
		{ExternalID: "1", Prompt: "x2"},
		{ExternalID: "2", Prompt: "y"},
		{ExternalID: "  ", Prompt: "z"},
	})
	require.NoError(t, err)
	require.Equal(t, []collector.SaveOutcome{
		collector.OutcomeUpdated,
		collector.OutcomeInserted,
		collector.OutcomeRejected,
	}, outcomes)

	exists, err := sink.Exists(ctx, "2")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = sink.Get(ctx, "missing")
	require.ErrorIs(t, err, collector.ErrNotFound)
}

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "pages/a.json", "application/json", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/a.json", uri)

	data, ok := store.Object("pages/a.json")
	require.True(t, ok)
	require.Equal(t, []byte(`{}`), data)
	require.Equal(t, []string{"pages/a.json"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
