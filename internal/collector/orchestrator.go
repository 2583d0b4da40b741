package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/metrics"
	"github.com/JakeFAU/prompt-collector/internal/progress"
)

const defaultSampleSize = 10

// Options tunes orchestrator behavior.
type Options struct {
	PageSize int
	// SampleSize caps the identifiers listed in RunSummary.SampleIDs.
	SampleSize int
	// FetchTotal issues a single-item request before paging to learn the provider total.
	FetchTotal bool
	// RefreshKnown sends items stored by earlier runs back through the sink for merging.
	RefreshKnown bool
	// StrictVersionMatch drops items whose checkpoint resource is not the target version.
	StrictVersionMatch bool
	// NotifyTopic is the topic RunSummary notifications are published to.
	NotifyTopic string
	// ArchivePrefix prefixes object paths written to the page archive.
	ArchivePrefix string
}

// Deps lists the collaborators an Orchestrator needs. Archive, Publisher and
// Progress are optional.
type Deps struct {
	Fetcher   Fetcher
	Decoder   Decoder
	States    StateStore
	Sink      ItemSink
	Archive   PageArchive
	Publisher Publisher
	Progress  progress.Emitter
	Hasher    Hasher
	IDs       IDGenerator
	Clock     Clock
	Logger    *zap.Logger
}

// RunRequest describes one invocation of the collection loop.
type RunRequest struct {
	Target Target
	// MaxItems bounds the items consumed this run; zero means unbounded.
	MaxItems int
	// Reset deletes the stored JobState before starting.
	Reset bool
	// Stop is polled between pages; nil never stops.
	Stop StopSignal
}

// Orchestrator drives the fetch, decode, dedup, persist loop for collection targets.
type Orchestrator struct {
	fetcher   Fetcher
	decoder   Decoder
	states    StateStore
	sink      ItemSink
	archive   PageArchive
	publisher Publisher
	progress  progress.Emitter
	hasher    Hasher
	ids       IDGenerator
	clock     Clock
	logger    *zap.Logger
	opts      Options

	mu     sync.Mutex
	active map[string]struct{}
}

// NewOrchestrator validates dependencies and applies option defaults.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Decoder == nil:
		return nil, errors.New("decoder is required")
	case deps.States == nil:
		return nil, errors.New("state store is required")
	case deps.Sink == nil:
		return nil, errors.New("item sink is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Archive != nil && deps.Hasher == nil {
		return nil, errors.New("hasher is required when a page archive is configured")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher:   deps.Fetcher,
		decoder:   deps.Decoder,
		states:    deps.States,
		sink:      deps.Sink,
		archive:   deps.Archive,
		publisher: deps.Publisher,
		progress:  deps.Progress,
		hasher:    deps.Hasher,
		ids:       deps.IDs,
		clock:     deps.Clock,
		logger:    logger,
		opts:      opts,
		active:    make(map[string]struct{}),
	}, nil
}

// run carries the mutable bookkeeping of a single Run call.
type run struct {
	target     Target
	summary    RunSummary
	offset     int
	cont       Continuation
	total      *int
	exhausted  bool
	filter     *DedupFilter
	byVersion  map[string]int
	sampleSize int
	logger     *zap.Logger
}

// Run collects items for one target until a termination condition is met.
// The returned error is non-nil only when the run ends Failed or cannot start.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := req.Target.Validate(); err != nil {
		return RunSummary{}, err
	}
	if req.MaxItems < 0 {
		return RunSummary{}, fmt.Errorf("max items must be >= 0, got %d", req.MaxItems)
	}
	if !o.acquire(req.Target) {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrTargetBusy, req.Target)
	}
	defer o.release(req.Target)
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	runID, err := o.ids.NewID()
	if err != nil {
		return RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := o.logger.With(
		zap.String("run_id", runID),
		zap.String("entity_id", req.Target.EntityID),
		zap.String("version_id", req.Target.VersionID),
	)

	if req.Reset {
		if err := o.states.Reset(ctx, req.Target); err != nil {
			return RunSummary{}, fmt.Errorf("%w: reset state: %v", ErrStorageWrite, err)
		}
		logger.Info("job state reset")
	}

	state, err := o.states.Load(ctx, req.Target)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load state: %w", err)
	}
	if state.Status == StatusRunning {
		logger.Warn("previous run did not finish cleanly; resuming from last commit",
			zap.Int("offset", state.LastOffset))
	}

	planned := plannedTotal(req.MaxItems)
	if err := o.states.SetStatus(ctx, req.Target, StatusRunning, planned); err != nil {
		return RunSummary{}, fmt.Errorf("%w: set running: %v", ErrStorageWrite, err)
	}

	r := &run{
		target: req.Target,
		summary: RunSummary{
			RunID:       runID,
			Target:      req.Target,
			Planned:     planned,
			StartOffset: state.LastOffset,
			StartedAt:   o.clock.Now(),
			SampleIDs:   []string{},
		},
		offset:     state.LastOffset,
		cont:       DecodeContinuation(state.ResumptionToken),
		filter:     NewDedupFilter(o.sink, req.Target, o.opts.StrictVersionMatch),
		byVersion:  make(map[string]int),
		sampleSize: o.opts.SampleSize,
		logger:     logger,
	}
	logger.Info("collection run started",
		zap.Int("offset", r.offset),
		zap.Int("total_collected", state.TotalCollected),
		zap.Int("max_items", req.MaxItems),
	)

	if o.opts.FetchTotal {
		o.learnTotal(ctx, r)
	}
	o.emit(r, progress.StageRunStart, "", 0)

	status, reason, runErr := o.loop(ctx, r, req)
	return o.finish(ctx, r, status, reason, runErr)
}

func (o *Orchestrator) learnTotal(ctx context.Context, r *run) {
	raw, err := o.fetcher.Fetch(ctx, PageRequest{Target: r.target, PageSize: 1, CountOnly: true})
	if err != nil {
		r.logger.Warn("total count request failed", zap.Error(err))
		return
	}
	page, err := o.decoder.Decode(raw.Body)
	if err != nil {
		r.logger.Warn("total count response undecodable", zap.Error(err))
		return
	}
	if page.TotalHint != nil {
		r.total = page.TotalHint
		r.logger.Info("provider total learned", zap.Int("total", *page.TotalHint))
	}
}

func (o *Orchestrator) loop(ctx context.Context, r *run, req RunRequest) (Status, string, error) {
	for {
		switch {
		case req.MaxItems > 0 && r.summary.Attempted >= req.MaxItems:
			return StatusCompleted, "max items reached", nil
		case r.total != nil && r.offset >= *r.total:
			return StatusCompleted, "provider total reached", nil
		case r.exhausted:
			return StatusCompleted, "no further pages", nil
		case req.Stop != nil && req.Stop.Requested():
			return StatusStopped, "stop requested", nil
		case ctx.Err() != nil:
			return StatusStopped, "context canceled", nil
		}

		if err := o.step(ctx, r, req); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return StatusStopped, "context canceled", nil
			}
			return StatusFailed, failureReason(err), err
		}
	}
}

// step fetches, decodes, persists and commits a single page.
func (o *Orchestrator) step(ctx context.Context, r *run, req RunRequest) error {
	pageReq := PageRequest{
		Target:       r.target,
		Offset:       r.offset,
		PageSize:     o.opts.PageSize,
		Continuation: r.cont,
	}
	raw, err := o.fetcher.Fetch(ctx, pageReq)
	if err != nil {
		metrics.ObservePage(r.target.Key(), "error")
		return err
	}

	if o.archive != nil {
		if err := o.archivePage(ctx, r, raw); err != nil {
			return err
		}
	}

	page, err := o.decoder.Decode(raw.Body)
	if err != nil {
		metrics.ObservePage(r.target.Key(), "malformed")
		return err
	}
	metrics.ObservePage(r.target.Key(), "ok")
	if page.TotalHint != nil {
		r.total = page.TotalHint
	}

	items := page.Items
	if r.cont.Kind == ContinueOffset {
		// Structured resumes may land mid-page.
		skip := r.offset % o.opts.PageSize
		if skip > len(items) {
			skip = len(items)
		}
		items = items[skip:]
	}
	truncated := false
	if req.MaxItems > 0 {
		remaining := req.MaxItems - r.summary.Attempted
		if len(items) > remaining {
			items = items[:remaining]
			truncated = true
		}
	}

	tally, err := o.processPage(ctx, r, items)
	if err != nil {
		return err
	}

	next := page.Next
	if truncated {
		next = OffsetContinuation()
	}
	newOffset := r.offset + len(items)
	if err := o.states.Advance(ctx, r.target, tally.newSaved, newOffset, next.Encode()); err != nil {
		if errors.Is(err, ErrOffsetRegression) {
			return err
		}
		return fmt.Errorf("%w: advance state: %v", ErrStorageWrite, err)
	}
	r.logger.Debug("page committed",
		zap.Int("offset", newOffset),
		zap.Int("page_items", len(page.Items)),
		zap.Int("consumed", len(items)),
		zap.Int("inserted", tally.newSaved),
	)
	r.commit(tally)
	r.offset = newOffset
	r.cont = next
	o.emit(r, progress.StagePageCommitted, "", 0)

	if len(page.Items) == 0 || (!truncated && !next.HasToken() && len(page.Items) < o.opts.PageSize) {
		r.exhausted = true
	}
	return nil
}

func (o *Orchestrator) archivePage(ctx context.Context, r *run, raw RawPage) error {
	digest, err := o.hasher.Hash(raw.Body)
	if err != nil {
		return fmt.Errorf("%w: hash page: %v", ErrStorageWrite, err)
	}
	name := fmt.Sprintf("%09d-%s.json", r.offset, digest[:min(len(digest), 16)])
	objectPath := path.Join(o.opts.ArchivePrefix, archiveDir(r.target), name)
	if _, err := o.archive.PutObject(ctx, objectPath, "application/json", raw.Body); err != nil {
		return fmt.Errorf("%w: archive page: %v", ErrStorageWrite, err)
	}
	return nil
}

func archiveDir(t Target) string {
	if t.VersionID == "" {
		return "entity-" + t.EntityID
	}
	return "entity-" + t.EntityID + "/version-" + t.VersionID
}

// pageTally holds one page's counters until the page is committed. A page that
// fails before Advance contributes nothing to the run summary.
type pageTally struct {
	attempted      int
	newSaved       int
	duplicates     int
	skippedInvalid int
	rejected       int
	byVersion      map[string]int
	samples        []string
}

func (p *pageTally) duplicate(item Item, target Target) {
	p.duplicates++
	metrics.ObserveItem("duplicate")
	version := item.ModelVersionID
	if version == "" {
		version = target.VersionID
	}
	if p.byVersion == nil {
		p.byVersion = make(map[string]int)
	}
	p.byVersion[version]++
}

// processPage classifies and stores one page worth of raw items.
func (o *Orchestrator) processPage(ctx context.Context, r *run, raws []json.RawMessage) (pageTally, error) {
	var tally pageTally
	now := o.clock.Now()
	batch := make([]Item, 0, len(raws))
	known := make([]bool, 0, len(raws))
	for _, raw := range raws {
		tally.attempted++
		item, err := o.decoder.Normalize(raw, r.target)
		if err != nil {
			tally.skippedInvalid++
			metrics.ObserveItem("invalid")
			r.logger.Debug("skipping undecodable item", zap.Error(err))
			continue
		}
		item.CollectedAt = now

		verdict, err := r.filter.Check(ctx, item)
		if err != nil {
			return pageTally{}, fmt.Errorf("%w: %v", ErrStorageWrite, err)
		}
		switch verdict {
		case VerdictFresh:
			batch = append(batch, item)
			known = append(known, false)
		case VerdictKnown:
			tally.duplicate(item, r.target)
			if o.opts.RefreshKnown {
				batch = append(batch, item)
				known = append(known, true)
			}
		case VerdictRepeatInRun:
			tally.duplicate(item, r.target)
		case VerdictInvalid:
			tally.skippedInvalid++
			metrics.ObserveItem("invalid")
		}
	}
	if len(batch) == 0 {
		return tally, nil
	}

	outcomes, err := o.sink.SaveBatch(ctx, batch)
	if err != nil {
		return pageTally{}, fmt.Errorf("%w: save batch: %v", ErrStorageWrite, err)
	}
	for i, outcome := range outcomes {
		item := batch[i]
		switch outcome {
		case OutcomeInserted:
			tally.newSaved++
			metrics.ObserveItem("inserted")
			tally.samples = append(tally.samples, item.ExternalID)
		case OutcomeUpdated:
			if !known[i] {
				tally.duplicate(item, r.target)
			}
			metrics.ObserveItem("updated")
			tally.samples = append(tally.samples, item.ExternalID)
		case OutcomeRejected:
			tally.rejected++
			metrics.ObserveItem("rejected")
		}
	}
	return tally, nil
}

// commit folds a committed page into the run summary.
func (r *run) commit(p pageTally) {
	r.summary.Pages++
	r.summary.Attempted += p.attempted
	r.summary.NewSaved += p.newSaved
	r.summary.Duplicates += p.duplicates
	r.summary.SkippedInvalid += p.skippedInvalid
	r.summary.Rejected += p.rejected
	for version, n := range p.byVersion {
		r.byVersion[version] += n
	}
	for _, id := range p.samples {
		if len(r.summary.SampleIDs) >= r.sampleSize {
			break
		}
		r.summary.SampleIDs = append(r.summary.SampleIDs, id)
	}
}

// finish records the terminal state. Bookkeeping ignores cancellation of ctx so that
// interrupted runs still persist their outcome.
func (o *Orchestrator) finish(ctx context.Context, r *run, status Status, reason string, runErr error) (RunSummary, error) {
	bctx := context.WithoutCancel(ctx)
	summary := r.summary
	summary.Status = status
	summary.Reason = reason
	summary.EndOffset = r.offset
	summary.FinishedAt = o.clock.Now()
	summary.DuplicatesByVersion = versionCounts(r.byVersion)
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	if o.publisher != nil && o.opts.NotifyTopic != "" {
		if _, err := o.publisher.Publish(bctx, o.opts.NotifyTopic, summary); err != nil {
			summary.NotifyError = err.Error()
			r.logger.Warn("run summary notification failed", zap.Error(err))
		}
	}

	if err := o.states.WriteSummary(bctx, r.target, summary); err != nil {
		writeErr := fmt.Errorf("%w: write summary: %v", ErrStorageWrite, err)
		runErr = errors.Join(runErr, writeErr)
		summary.Status = StatusFailed
		summary.Error = runErr.Error()
	}
	if err := o.states.SetStatus(bctx, r.target, summary.Status, summary.Planned); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("%w: set final status: %v", ErrStorageWrite, err))
		summary.Status = StatusFailed
		summary.Error = runErr.Error()
	}
	metrics.ObserveRun(string(summary.Status))
	o.emit(r, progress.StageRunDone, string(summary.Status), summary.FinishedAt.Sub(summary.StartedAt))

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.String("reason", summary.Reason),
		zap.Int("attempted", summary.Attempted),
		zap.Int("new_saved", summary.NewSaved),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped_invalid", summary.SkippedInvalid),
		zap.Int("pages", summary.Pages),
		zap.Int("offset", summary.EndOffset),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond)),
	}
	if runErr != nil {
		r.logger.Error("collection run failed", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	r.logger.Info("collection run finished", fields...)
	return summary, nil
}

func (o *Orchestrator) emit(r *run, stage progress.Stage, status string, dur time.Duration) {
	if o.progress == nil {
		return
	}
	evt := progress.Event{
		RunID:      r.summary.RunID,
		Target:     r.target.Key(),
		TS:         o.clock.Now(),
		Stage:      stage,
		Offset:     r.offset,
		Attempted:  r.summary.Attempted,
		NewSaved:   r.summary.NewSaved,
		Duplicates: r.summary.Duplicates,
		Status:     status,
		Dur:        max(dur, 0),
	}
	if r.summary.Planned != nil {
		evt.Planned = *r.summary.Planned
	}
	if r.total != nil {
		evt.Total = *r.total
	}
	o.progress.Emit(evt)
}

func (o *Orchestrator) acquire(t Target) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[t.Key()]; ok {
		return false
	}
	o.active[t.Key()] = struct{}{}
	return true
}

func (o *Orchestrator) release(t Target) {
	o.mu.Lock()
	delete(o.active, t.Key())
	o.mu.Unlock()
}

func plannedTotal(maxItems int) *int {
	if maxItems <= 0 {
		return nil
	}
	v := maxItems
	return &v
}

func versionCounts(m map[string]int) []VersionCount {
	if len(m) == 0 {
		return nil
	}
	out := make([]VersionCount, 0, len(m))
	for version, count := range m {
		out = append(out, VersionCount{VersionID: version, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out
}

func failureReason(err error) string {
	var fetchErr *FetchError
	switch {
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "retry budget exhausted"
	case errors.As(err, &fetchErr):
		return "fatal fetch error"
	case errors.Is(err, ErrMalformedPage):
		return "malformed page"
	case errors.Is(err, ErrOffsetRegression):
		return "offset regression"
	case errors.Is(err, ErrStorageWrite):
		return "storage write failure"
	default:
		return "unexpected error"
	}
}
