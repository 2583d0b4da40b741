package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/stopsignal"
	"github.com/JakeFAU/prompt-collector/internal/storage/memory"
)

type mockStateStore struct {
	mock.Mock
}

func (m *mockStateStore) Load(ctx context.Context, t collector.Target) (collector.JobState, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(collector.JobState), args.Error(1)
}

func (m *mockStateStore) Advance(ctx context.Context, t collector.Target, accepted, offset int, token string) error {
	return m.Called(ctx, t, accepted, offset, token).Error(0)
}

func (m *mockStateStore) SetStatus(ctx context.Context, t collector.Target, status collector.Status, planned *int) error {
	return m.Called(ctx, t, status, planned).Error(0)
}

func (m *mockStateStore) WriteSummary(ctx context.Context, t collector.Target, summary collector.RunSummary) error {
	return m.Called(ctx, t, summary).Error(0)
}

func (m *mockStateStore) Reset(ctx context.Context, t collector.Target) error {
	return m.Called(ctx, t).Error(0)
}

func (m *mockStateStore) List(ctx context.Context) ([]collector.JobState, error) {
	args := m.Called(ctx)
	states, _ := args.Get(0).([]collector.JobState)
	return states, args.Error(1)
}

func newTestServer(t *testing.T, opts Options) (*Server, *memory.StateStore, *memory.ItemSink) {
	t.Helper()
	states := memory.NewStateStore()
	items := memory.NewItemSink()
	return NewServer(states, items, opts, zap.NewNop()), states, items
}

func serve(s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_GetState(t *testing.T) {
	t.Parallel()

	server, states, _ := newTestServer(t, Options{})
	target := collector.Target{EntityID: "42", VersionID: "7"}
	require.NoError(t, states.Advance(context.Background(), target, 80, 100, ""))

	rec := serve(server, http.MethodGet, "/v1/states/42?version=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state collector.JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, 100, state.LastOffset)
	require.Equal(t, 80, state.TotalCollected)

	rec = serve(server, http.MethodGet, "/v1/states/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "the unversioned target is a different record")
}

func TestServer_ListStates(t *testing.T) {
	t.Parallel()

	server, states, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodGet, "/v1/states", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"states":[]}`, rec.Body.String())

	require.NoError(t, states.Advance(context.Background(), collector.Target{EntityID: "1"}, 1, 1, ""))
	require.NoError(t, states.Advance(context.Background(), collector.Target{EntityID: "2"}, 1, 1, ""))
	rec = serve(server, http.MethodGet, "/v1/states", nil)

	var body struct {
		States []collector.JobState `json:"states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.States, 2)
}

func TestServer_ListStatesError(t *testing.T) {
	t.Parallel()

	states := &mockStateStore{}
	states.On("List", mock.Anything).Return(nil, errors.New("boom"))
	server := NewServer(states, nil, Options{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/states", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	states.AssertExpectations(t)
}

func TestServer_RequestStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	server, _, _ := newTestServer(t, Options{StopDir: dir})

	rec := serve(server, http.MethodPost, "/v1/states/42/stop?version=7", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err := os.Stat(stopsignal.SentinelPath(dir, "42:7"))
	require.NoError(t, err)
}

func TestServer_RequestStopNotConfigured(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, Options{})
	rec := serve(server, http.MethodPost, "/v1/states/42/stop", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_GetItem(t *testing.T) {
	t.Parallel()

	server, _, items := newTestServer(t, Options{})
	_, err := items.Save(context.Background(), collector.Item{ExternalID: "101", Prompt: "a lighthouse"})
	require.NoError(t, err)

	rec := serve(server, http.MethodGet, "/v1/items/101", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "a lighthouse")

	rec = serve(server, http.MethodGet, "/v1/items/404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer(t, Options{APIKey: "secret"})

	rec := serve(server, http.MethodGet, "/v1/states", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/states", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "health checks stay unauthenticated")
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	states := &mockStateStore{}
	states.On("List", mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	server := NewServer(states, nil, Options{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/states", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
