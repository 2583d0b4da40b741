package collector

import (
	"context"
	"encoding/json"
	"time"
)

// Fetcher retrieves one page from the upstream API.
type Fetcher interface {
	Fetch(ctx context.Context, req PageRequest) (RawPage, error)
}

// Decoder turns a raw page body into items and pagination hints.
type Decoder interface {
	Decode(body []byte) (Page, error)
	Normalize(raw json.RawMessage, t Target) (Item, error)
}

// StateStore persists JobState records.
type StateStore interface {
	Load(ctx context.Context, t Target) (JobState, error)
	Advance(ctx context.Context, t Target, newlyAccepted, newOffset int, token string) error
	SetStatus(ctx context.Context, t Target, status Status, plannedTotal *int) error
	WriteSummary(ctx context.Context, t Target, summary RunSummary) error
	Reset(ctx context.Context, t Target) error
	List(ctx context.Context) ([]JobState, error)
}

// ItemSink persists collected items.
type ItemSink interface {
	Save(ctx context.Context, item Item) (SaveOutcome, error)
	SaveBatch(ctx context.Context, items []Item) ([]SaveOutcome, error)
	Exists(ctx context.Context, externalID string) (bool, error)
	Get(ctx context.Context, externalID string) (Item, error)
	Count(ctx context.Context) (int, error)
}

// PageArchive stores raw page bodies.
type PageArchive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// StopSignal is polled between pages.
type StopSignal interface {
	Requested() bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
