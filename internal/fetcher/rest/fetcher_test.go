package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

func newTestFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	f, err := New(Config{
		BaseURL:           baseURL,
		APIKey:            "token-123",
		UserAgent:         "collector-test",
		Sort:              "Newest",
		Timeout:           2 * time.Second,
		RateLimitCooldown: time.Millisecond,
		MaxAttempts:       3,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return f
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://civitai.com"}, nil, nil)
	require.Error(t, err)
}

func TestBuildURL_PrefersVersionID(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "https://civitai.com/api/v1/images")
	raw, err := f.BuildURL(collector.PageRequest{
		Target:   collector.Target{EntityID: "42", VersionID: "7"},
		Offset:   200,
		PageSize: 100,
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "7", q.Get("modelVersionId"))
	require.Empty(t, q.Get("modelId"))
	require.Equal(t, "100", q.Get("limit"))
	require.Equal(t, "3", q.Get("page"))
	require.Equal(t, "Newest", q.Get("sort"))
}

func TestBuildURL_PassesNSFWFilter(t *testing.T) {
	t.Parallel()

	req := collector.PageRequest{Target: collector.Target{VersionID: "7"}, PageSize: 100}

	plain := newTestFetcher(t, "https://civitai.com/api/v1/images")
	raw, err := plain.BuildURL(req)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.False(t, u.Query().Has("nsfw"))

	f, err := New(Config{BaseURL: "https://civitai.com/api/v1/images", NSFW: "X"}, nil, nil)
	require.NoError(t, err)
	for _, r := range []collector.PageRequest{req, {Target: req.Target, CountOnly: true}} {
		raw, err := f.BuildURL(r)
		require.NoError(t, err)
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, "X", u.Query().Get("nsfw"))
	}
}

func TestModelVersionURLSitsNextToImages(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "https://civitai.com/api/v1/images?sort=Newest")
	require.Equal(t, "https://civitai.com/api/v1/model-versions/7", f.modelVersionURL("7"))

	bare := newTestFetcher(t, "http://127.0.0.1:9999")
	require.Equal(t, "http://127.0.0.1:9999/model-versions/7", bare.modelVersionURL("7"))
}

func TestModelForVersion(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/model-versions/7", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"modelId":42,"name":"v1.0","model":{"name":"Dreamy","type":"Checkpoint"}}`))
	})
	mux.HandleFunc("/api/v1/model-versions/8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":8,"name":"orphan"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, srv.URL+"/api/v1/images")
	info, err := f.ModelForVersion(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, ModelInfo{
		VersionID:   "7",
		VersionName: "v1.0",
		ModelID:     "42",
		ModelName:   "Dreamy",
		ModelType:   "Checkpoint",
	}, info)

	_, err = f.ModelForVersion(context.Background(), "8")
	require.ErrorContains(t, err, "no modelId")

	_, err = f.ModelForVersion(context.Background(), "404")
	var fetchErr *collector.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)

	_, err = f.ModelForVersion(context.Background(), " ")
	require.ErrorIs(t, err, collector.ErrInvalidTarget)
}

func TestBuildURL_EntityCursorAndCountOnly(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "https://civitai.com/api/v1/images")
	target := collector.Target{EntityID: "42"}

	raw, err := f.BuildURL(collector.PageRequest{
		Target:       target,
		PageSize:     50,
		Continuation: collector.CursorContinuation("abc"),
	})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "42", u.Query().Get("modelId"))
	require.Equal(t, "abc", u.Query().Get("cursor"))
	require.Empty(t, u.Query().Get("page"))

	raw, err = f.BuildURL(collector.PageRequest{Target: target, PageSize: 50, CountOnly: true})
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "1", u.Query().Get("limit"))
	require.Empty(t, u.Query().Get("page"))
}

func TestBuildURL_FullURLVerbatim(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "https://civitai.com/api/v1/images")
	next := "https://civitai.com/api/v1/images?cursor=xyz&limit=100&modelId=42"
	raw, err := f.BuildURL(collector.PageRequest{
		Target:       collector.Target{EntityID: "42"},
		PageSize:     100,
		Offset:       300,
		Continuation: collector.FullURLContinuation(next),
	})
	require.NoError(t, err)
	require.Equal(t, next, raw)

	_, err = f.BuildURL(collector.PageRequest{
		Target:       collector.Target{EntityID: "42"},
		Continuation: collector.FullURLContinuation("/relative?page=2"),
	})
	require.Error(t, err)
}

func TestFetch_SendsHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	page, err := f.Fetch(context.Background(), collector.PageRequest{
		Target:   collector.Target{EntityID: "1"},
		PageSize: 10,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, 1, page.Attempts)
	require.JSONEq(t, `{"items":[]}`, string(page.Body))

	got := <-headers
	require.Equal(t, "Bearer token-123", got.Get("Authorization"))
	require.Equal(t, "collector-test", got.Get("User-Agent"))
	require.Equal(t, "application/json", got.Get("Accept"))
}

func TestFetch_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":1}]}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	page, err := f.Fetch(context.Background(), collector.PageRequest{
		Target:   collector.Target{EntityID: "1"},
		PageSize: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.Attempts)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetch_ExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), collector.PageRequest{
		Target:   collector.Target{EntityID: "1"},
		PageSize: 10,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, collector.ErrRetryBudgetExhausted)

	var fetchErr *collector.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, collector.KindRetryable, fetchErr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.Equal(t, 3, fetchErr.Attempts)
	require.EqualValues(t, 3, hits.Load())
}

func TestFetch_RateLimitIsNotBoundedByRetryBudget(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 5 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	page, err := f.Fetch(context.Background(), collector.PageRequest{
		Target:   collector.Target{EntityID: "1"},
		PageSize: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 6, page.Attempts)
	require.EqualValues(t, 6, hits.Load())
}

func TestFetch_ClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), collector.PageRequest{
		Target:   collector.Target{EntityID: "1"},
		PageSize: 10,
	})
	var fetchErr *collector.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, collector.KindFatal, fetchErr.Kind)
	require.NotErrorIs(t, err, collector.ErrRetryBudgetExhausted)
	require.EqualValues(t, 1, hits.Load())
}

func TestFetch_CanceledDuringCooldown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL, RateLimitCooldown: time.Hour}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, collector.PageRequest{Target: collector.Target{EntityID: "1"}, PageSize: 10})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetch_TimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	f, err := New(Config{
		BaseURL:        srv.URL,
		Timeout:        50 * time.Millisecond,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), collector.PageRequest{Target: collector.Target{EntityID: "1"}, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 2, page.Attempts)
}
