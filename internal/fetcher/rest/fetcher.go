// Package rest implements collector.Fetcher against the paginated images API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/collector"
	"github.com/JakeFAU/prompt-collector/internal/metrics"
	"github.com/JakeFAU/prompt-collector/internal/policy/ratelimit"
)

const maxBodyBytes = 32 << 20

// Config controls request construction and failure handling.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Sort      string
	// NSFW is passed through as the nsfw content-level filter when set.
	NSFW string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// RateLimitCooldown is the fixed wait after a 429.
	RateLimitCooldown time.Duration
	// PageDelay is the minimum spacing between requests.
	PageDelay      time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher issues one HTTP request at a time and owns retry, backoff and cooldown.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	base    *url.URL
	policy  *collector.ExponentialRetryPolicy
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Fetcher. A nil client gets a pooled transport.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "prompt-collector/0.1"
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		base:    base,
		policy:  collector.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffMax),
		limiter: ratelimit.New(ratelimit.Config{Interval: cfg.PageDelay}),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Fetch retrieves one page. Transient failures are retried within the attempt
// budget, 429 responses wait out the cooldown indefinitely, and everything else
// is returned as a *collector.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req collector.PageRequest) (collector.RawPage, error) {
	target, err := f.BuildURL(req)
	if err != nil {
		return collector.RawPage{}, &collector.FetchError{Kind: collector.KindFatal, URL: target, Err: err}
	}
	return f.get(ctx, target)
}

// ModelInfo identifies the model a version belongs to.
type ModelInfo struct {
	VersionID   string `json:"version_id"`
	VersionName string `json:"version_name,omitempty"`
	ModelID     string `json:"model_id"`
	ModelName   string `json:"model_name,omitempty"`
	ModelType   string `json:"model_type,omitempty"`
}

// ModelForVersion looks up the parent model of a model version through the
// model-versions endpoint that sits next to the images endpoint.
func (f *Fetcher) ModelForVersion(ctx context.Context, versionID string) (ModelInfo, error) {
	versionID = strings.TrimSpace(versionID)
	if versionID == "" {
		return ModelInfo{}, fmt.Errorf("%w: version id required", collector.ErrInvalidTarget)
	}
	target := f.modelVersionURL(versionID)
	page, err := f.get(ctx, target)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("resolve model for version %s: %w", versionID, err)
	}
	var payload struct {
		ID      json.Number `json:"id"`
		ModelID json.Number `json:"modelId"`
		Name    string      `json:"name"`
		Model   struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"model"`
	}
	if err := json.Unmarshal(page.Body, &payload); err != nil {
		return ModelInfo{}, fmt.Errorf("decode model version %s: %w", versionID, err)
	}
	if payload.ModelID == "" {
		return ModelInfo{}, fmt.Errorf("model version %s: response has no modelId", versionID)
	}
	return ModelInfo{
		VersionID:   versionID,
		VersionName: payload.Name,
		ModelID:     payload.ModelID.String(),
		ModelName:   payload.Model.Name,
		ModelType:   payload.Model.Type,
	}, nil
}

func (f *Fetcher) modelVersionURL(versionID string) string {
	u := *f.base
	dir := path.Dir(u.Path)
	u.Path = path.Join("/", dir, "model-versions", versionID)
	u.RawQuery = ""
	return u.String()
}

// get issues a GET with pacing, retries and 429 cooldown.
func (f *Fetcher) get(ctx context.Context, target string) (collector.RawPage, error) {
	attempts := 0
	transient := 0
	for {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return collector.RawPage{}, err
		}
		attempts++
		page, err := f.do(ctx, target)
		if err == nil {
			page.Attempts = attempts
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return collector.RawPage{}, fmt.Errorf("fetch %s: %w", target, ctxErr)
		}

		var fetchErr *collector.FetchError
		if !errors.As(err, &fetchErr) {
			return collector.RawPage{}, err
		}
		fetchErr.Attempts = attempts
		logger := f.logger.With(
			zap.String("url", target),
			zap.Int("attempt", attempts),
			zap.Int("status_code", fetchErr.StatusCode),
		)

		switch fetchErr.Kind {
		case collector.KindRateLimited:
			metrics.ObserveFetchRetry(fetchErr.Kind.String())
			logger.Warn("rate limited; cooling down", zap.Duration("cooldown", f.cfg.RateLimitCooldown))
			if err := f.limiter.Cooldown(ctx, target, f.cfg.RateLimitCooldown); err != nil {
				return collector.RawPage{}, err
			}
		case collector.KindRetryable:
			transient++
			if !f.policy.ShouldRetry(fetchErr, transient) {
				logger.Error("retry budget exhausted", zap.Error(fetchErr))
				return collector.RawPage{}, fmt.Errorf("%w: %w", collector.ErrRetryBudgetExhausted, fetchErr)
			}
			metrics.ObserveFetchRetry(fetchErr.Kind.String())
			backoff := f.policy.Backoff(transient)
			logger.Warn("transient fetch failure; backing off", zap.Duration("backoff", backoff), zap.Error(fetchErr))
			if err := sleep(ctx, backoff); err != nil {
				return collector.RawPage{}, fmt.Errorf("fetch %s: %w", target, err)
			}
		default:
			logger.Error("fatal fetch failure", zap.Error(fetchErr))
			return collector.RawPage{}, fetchErr
		}
	}
}

func (f *Fetcher) do(ctx context.Context, target string) (collector.RawPage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return collector.RawPage{}, &collector.FetchError{Kind: collector.KindFatal, URL: target, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	if f.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	metrics.ObserveFetchDuration(target, time.Since(start))
	if err != nil {
		return collector.RawPage{}, &collector.FetchError{Kind: classifyTransportError(err), URL: target, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return collector.RawPage{}, &collector.FetchError{
			Kind:       collector.KindRetryable,
			StatusCode: resp.StatusCode,
			URL:        target,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		return collector.RawPage{}, &collector.FetchError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			URL:        target,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	return collector.RawPage{
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  f.now(),
	}, nil
}

// BuildURL renders the request URL. Provider-issued full URLs are used verbatim.
func (f *Fetcher) BuildURL(req collector.PageRequest) (string, error) {
	if req.Continuation.Kind == collector.ContinueFullURL && !req.CountOnly {
		u, err := url.Parse(req.Continuation.Token)
		if err != nil || !u.IsAbs() {
			return req.Continuation.Token, fmt.Errorf("continuation is not an absolute url: %q", req.Continuation.Token)
		}
		return req.Continuation.Token, nil
	}
	if err := req.Target.Validate(); err != nil {
		return "", err
	}

	u := *f.base
	q := u.Query()
	if req.Target.VersionID != "" {
		q.Set("modelVersionId", req.Target.VersionID)
	} else {
		q.Set("modelId", req.Target.EntityID)
	}
	limit := req.PageSize
	if req.CountOnly {
		limit = 1
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	switch {
	case req.CountOnly:
	case req.Continuation.Kind == collector.ContinueCursor && req.Continuation.Token != "":
		q.Set("cursor", req.Continuation.Token)
	default:
		q.Set("page", strconv.Itoa(req.PageNumber()))
	}
	if f.cfg.Sort != "" {
		q.Set("sort", f.cfg.Sort)
	}
	if f.cfg.NSFW != "" {
		q.Set("nsfw", f.cfg.NSFW)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyStatus(code int) (collector.ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return 0, false
	case code == http.StatusTooManyRequests:
		return collector.KindRateLimited, true
	case code >= 500:
		return collector.KindRetryable, true
	case code == http.StatusRequestTimeout:
		return collector.KindRetryable, true
	default:
		return collector.KindFatal, true
	}
}

func classifyTransportError(err error) collector.ErrorKind {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.As(err, &netErr):
		return collector.KindRetryable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return collector.KindRetryable
	case errors.As(err, &urlErr):
		return collector.KindRetryable
	default:
		return collector.KindFatal
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
