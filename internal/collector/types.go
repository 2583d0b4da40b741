package collector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a collection target.
type Status string

const (
	// StatusIdle indicates no run has started for the target yet.
	StatusIdle Status = "idle"
	// StatusRunning indicates a run is in progress.
	StatusRunning Status = "running"
	// StatusCompleted indicates the last run reached a natural end.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the last run stopped on an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusStopped indicates the last run honored a stop request.
	StatusStopped Status = "stopped"
)

// IsTerminal reports whether the status ends a run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Target names one collection target: a model and, optionally, one of its versions.
type Target struct {
	EntityID  string `json:"entity_id"`
	VersionID string `json:"version_id,omitempty"`
}

// Validate ensures the target names at least one upstream identifier.
func (t Target) Validate() error {
	if strings.TrimSpace(t.EntityID) == "" && strings.TrimSpace(t.VersionID) == "" {
		return fmt.Errorf("%w: entity or version id required", ErrInvalidTarget)
	}
	return nil
}

// Key returns a stable string form used for locks, sentinel files and metric labels.
func (t Target) Key() string {
	if t.VersionID == "" {
		return t.EntityID
	}
	return t.EntityID + ":" + t.VersionID
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Key()
}

// ParseTarget parses the "entity[:version]" form produced by Key.
func ParseTarget(raw string) (Target, error) {
	entity, version, _ := strings.Cut(strings.TrimSpace(raw), ":")
	t := Target{EntityID: strings.TrimSpace(entity), VersionID: strings.TrimSpace(version)}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// JobState is the persisted progress record for one target.
type JobState struct {
	Target          Target      `json:"target"`
	LastOffset      int         `json:"last_offset"`
	TotalCollected  int         `json:"total_collected"`
	ResumptionToken string      `json:"resumption_token,omitempty"`
	Status          Status      `json:"status"`
	PlannedTotal    *int        `json:"planned_total,omitempty"`
	Attempted       int         `json:"attempted"`
	Duplicates      int         `json:"duplicates"`
	Saved           int         `json:"saved"`
	Summary         *RunSummary `json:"summary,omitempty"`
	LastUpdate      time.Time   `json:"last_update"`
}

// NewJobState returns the zero state for a target that has never run.
func NewJobState(t Target) JobState {
	return JobState{Target: t, Status: StatusIdle}
}

// VersionCount tallies duplicates observed per model version.
type VersionCount struct {
	VersionID string `json:"version_id"`
	Count     int    `json:"count"`
}

// RunSummary is the human-readable report written at the end of every run.
type RunSummary struct {
	RunID               string         `json:"run_id"`
	Target              Target         `json:"target"`
	Planned             *int           `json:"planned"`
	Attempted           int            `json:"attempted"`
	NewSaved            int            `json:"new_saved"`
	Duplicates          int            `json:"duplicates"`
	SkippedInvalid      int            `json:"skipped_invalid"`
	Rejected            int            `json:"rejected"`
	Pages               int            `json:"pages"`
	DuplicatesByVersion []VersionCount `json:"duplicates_by_version,omitempty"`
	SampleIDs           []string       `json:"sample_ids"`
	Status              Status         `json:"status"`
	Reason              string         `json:"reason"`
	Error               string         `json:"error,omitempty"`
	NotifyError         string         `json:"notify_error,omitempty"`
	StartOffset         int            `json:"start_offset"`
	EndOffset           int            `json:"end_offset"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
}

// Resource is one generation resource (checkpoint, LoRA, embedding) referenced by an item.
type Resource struct {
	Index          int             `json:"index"`
	Type           string          `json:"type,omitempty"`
	Name           string          `json:"name,omitempty"`
	ModelID        string          `json:"model_id,omitempty"`
	ModelVersionID string          `json:"model_version_id,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Item is one normalized record extracted from a page.
type Item struct {
	ExternalID     string          `json:"external_id"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	ModelName      string          `json:"model_name,omitempty"`
	ModelID        string          `json:"model_id,omitempty"`
	ModelVersionID string          `json:"model_version_id,omitempty"`
	ReactionCount  int             `json:"reaction_count"`
	CommentCount   int             `json:"comment_count"`
	DownloadCount  int             `json:"download_count"`
	PromptLength   int             `json:"prompt_length"`
	TagCount       int             `json:"tag_count"`
	QualityScore   int             `json:"quality_score"`
	Resources      []Resource      `json:"resources,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	CollectedAt    time.Time       `json:"collected_at"`
}

// SaveOutcome reports what the sink did with one item.
type SaveOutcome int

const (
	// OutcomeInserted means the identifier was new.
	OutcomeInserted SaveOutcome = iota
	// OutcomeUpdated means an existing record was merged with the item.
	OutcomeUpdated
	// OutcomeRejected means the item was malformed and not stored.
	OutcomeRejected
)

// String implements fmt.Stringer.
func (o SaveOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ContinuationKind discriminates the pagination styles a provider may use.
type ContinuationKind int

const (
	// ContinueOffset means the provider issued no token; the next page is requested structurally.
	ContinueOffset ContinuationKind = iota
	// ContinueCursor means the provider issued an opaque cursor for the next call.
	ContinueCursor
	// ContinueFullURL means the provider issued a complete URL for the next page.
	ContinueFullURL
)

// Continuation describes how to request the page after the current one.
type Continuation struct {
	Kind  ContinuationKind
	Token string
}

// OffsetContinuation returns a continuation without a provider token.
func OffsetContinuation() Continuation {
	return Continuation{Kind: ContinueOffset}
}

// CursorContinuation wraps an opaque cursor.
func CursorContinuation(cursor string) Continuation {
	return Continuation{Kind: ContinueCursor, Token: cursor}
}

// FullURLContinuation wraps a provider-issued next page URL.
func FullURLContinuation(u string) Continuation {
	return Continuation{Kind: ContinueFullURL, Token: u}
}

// HasToken reports whether the provider issued something to resume from.
func (c Continuation) HasToken() bool {
	return c.Kind != ContinueOffset && c.Token != ""
}

// Encode renders the continuation for the persisted resumption token column.
// Full URLs are stored verbatim; cursors carry a "cursor:" prefix.
func (c Continuation) Encode() string {
	switch c.Kind {
	case ContinueCursor:
		return cursorPrefix + c.Token
	case ContinueFullURL:
		return c.Token
	case ContinueOffset:
		return ""
	default:
		return ""
	}
}

const cursorPrefix = "cursor:"

// DecodeContinuation reverses Encode.
func DecodeContinuation(token string) Continuation {
	switch {
	case token == "":
		return OffsetContinuation()
	case strings.HasPrefix(token, cursorPrefix):
		return CursorContinuation(strings.TrimPrefix(token, cursorPrefix))
	default:
		return FullURLContinuation(token)
	}
}

// PageRequest describes one fetch against the upstream API.
type PageRequest struct {
	Target   Target
	Offset   int
	PageSize int
	// Continuation carries the stored or decoded token; ContinueOffset means structured paging.
	Continuation Continuation
	// CountOnly requests a single item to learn the provider's total.
	CountOnly bool
}

// PageNumber converts the offset to the 1-based page number expected by the API.
func (r PageRequest) PageNumber() int {
	if r.PageSize <= 0 {
		return 1
	}
	return r.Offset/r.PageSize + 1
}

// RawPage is the undecoded body of one successful fetch.
type RawPage struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
	FetchedAt  time.Time
}

// Page is the decoded view of a RawPage.
type Page struct {
	Items     []json.RawMessage
	Next      Continuation
	TotalHint *int
}
