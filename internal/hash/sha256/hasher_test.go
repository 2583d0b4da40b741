package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashRawBytes(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHashIgnoresJSONWhitespace(t *testing.T) {
	t.Parallel()

	h := New()
	compact, err := h.Hash([]byte(`{"items":[{"id":1}],"metadata":{}}`))
	require.NoError(t, err)
	spaced, err := h.Hash([]byte("{\n  \"items\": [ {\"id\": 1} ],\n  \"metadata\": {}\n}"))
	require.NoError(t, err)
	require.Equal(t, compact, spaced)

	other, err := h.Hash([]byte(`{"items":[{"id":2}],"metadata":{}}`))
	require.NoError(t, err)
	require.NotEqual(t, compact, other)
}
