package decoder

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

func TestDecode_ContinuationKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantKind  collector.ContinuationKind
		wantToken string
		wantTotal *int
		wantItems int
	}{
		{
			name:      "full url",
			body:      `{"items":[{"id":1},{"id":2}],"metadata":{"totalItems":250,"nextPage":"https://civitai.com/api/v1/images?page=2&limit=2"}}`,
			wantKind:  collector.ContinueFullURL,
			wantToken: "https://civitai.com/api/v1/images?page=2&limit=2",
			wantTotal: intPtr(250),
			wantItems: 2,
		},
		{
			name:      "numeric cursor",
			body:      `{"items":[{"id":1}],"metadata":{"nextCursor":12345}}`,
			wantKind:  collector.ContinueCursor,
			wantToken: "12345",
			wantItems: 1,
		},
		{
			name:      "cursor preferred over relative next page",
			body:      `{"items":[],"metadata":{"nextCursor":"abc|def","nextPage":"/images?cursor=abc"}}`,
			wantKind:  collector.ContinueCursor,
			wantToken: "abc|def",
		},
		{
			name:      "non url next page is a cursor",
			body:      `{"items":[{"id":1}],"metadata":{"nextPage":"opaque-token"}}`,
			wantKind:  collector.ContinueCursor,
			wantToken: "opaque-token",
			wantItems: 1,
		},
		{
			name:      "no metadata",
			body:      `{"items":[{"id":1},{"id":2},{"id":3}]}`,
			wantKind:  collector.ContinueOffset,
			wantItems: 3,
		},
		{
			name:      "total as string",
			body:      `{"items":[],"metadata":{"totalItems":"42"}}`,
			wantKind:  collector.ContinueOffset,
			wantTotal: intPtr(42),
		},
		{
			name:     "missing items",
			body:     `{"metadata":{}}`,
			wantKind: collector.ContinueOffset,
		},
	}

	dec := New()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			page, err := dec.Decode([]byte(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, page.Next.Kind)
			require.Equal(t, tt.wantToken, page.Next.Token)
			require.Equal(t, tt.wantTotal, page.TotalHint)
			require.Len(t, page.Items, tt.wantItems)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "not json", "[1,2,3]", `{"items":`} {
		_, err := New().Decode([]byte(body))
		require.ErrorIs(t, err, collector.ErrMalformedPage, "body %q", body)
	}
}

func TestNormalize_ExtractsFields(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"id": 9001,
		"modelId": 42,
		"stats": {"reactionCount": 55, "commentCount": 2, "downloadCount": "7"},
		"meta": {
			"prompt": "masterpiece, best quality, intricate, castle",
			"negativePrompt": "blurry",
			"Model": "dreamshaper",
			"civitaiResources": [
				{"type": "checkpoint", "modelVersionId": 7, "modelName": "x"},
				{"type": "lora", "id": 99, "name": "style"}
			]
		}
	}`)

	item, err := New().Normalize(raw, collector.Target{EntityID: "42"})
	require.NoError(t, err)
	require.Equal(t, "9001", item.ExternalID)
	require.Equal(t, "masterpiece, best quality, intricate, castle", item.Prompt)
	require.Equal(t, "blurry", item.NegativePrompt)
	require.Equal(t, "dreamshaper", item.ModelName)
	require.Equal(t, "42", item.ModelID)
	require.Equal(t, "7", item.ModelVersionID)
	require.Equal(t, 55, item.ReactionCount)
	require.Equal(t, 2, item.CommentCount)
	require.Equal(t, 7, item.DownloadCount)
	require.Equal(t, 4, item.TagCount)
	require.Equal(t, len([]rune(item.Prompt)), item.PromptLength)
	// masterpiece(2) + best quality(2) + intricate(1) + reactions 55/5=11
	require.Equal(t, 16, item.QualityScore)
	require.Len(t, item.Resources, 2)
	require.Equal(t, "checkpoint", item.Resources[0].Type)
	require.Equal(t, "7", item.Resources[0].ModelVersionID)
	require.Equal(t, "99", item.Resources[1].ResourceID)
	require.Equal(t, 1, item.Resources[1].Index)
	require.JSONEq(t, string(raw), string(item.Raw))
}

func TestNormalize_FallsBackToTargetVersion(t *testing.T) {
	t.Parallel()

	item, err := New().Normalize(json.RawMessage(`{"id":"a1","meta":{"prompt":"cat"}}`),
		collector.Target{EntityID: "42", VersionID: "7"})
	require.NoError(t, err)
	require.Equal(t, "7", item.ModelVersionID)
	require.Empty(t, item.ModelID)
}

func TestNormalize_NullMetaIsNotAnError(t *testing.T) {
	t.Parallel()

	item, err := New().Normalize(json.RawMessage(`{"id":5,"meta":null,"stats":null}`), collector.Target{EntityID: "1"})
	require.NoError(t, err)
	require.Equal(t, "5", item.ExternalID)
	require.Empty(t, item.Prompt)
	require.Equal(t, "1", item.ModelID)
}

func TestNormalize_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := New().Normalize(json.RawMessage(`"just a string"`), collector.Target{EntityID: "1"})
	require.ErrorIs(t, err, collector.ErrInvalidItem)
}

func TestQualityScore(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, QualityScore("", 0))
	require.Equal(t, 20, QualityScore("plain", 500))
	long := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"
	require.Equal(t, 3, QualityScore(long, 4))
	require.Equal(t, 3, QualityScore("8K, Sharp", 0))
}

func TestTagCount(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, TagCount(""))
	require.Equal(t, 0, TagCount(" , ,"))
	require.Equal(t, 3, TagCount("a, b,,c"))
}

func intPtr(v int) *int {
	return &v
}
