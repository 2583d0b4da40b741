package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Verdict is the dedup classification of one item.
type Verdict int

const (
	// VerdictFresh means the item has not been seen in this run or stored before.
	VerdictFresh Verdict = iota
	// VerdictRepeatInRun means the identifier already passed through this run.
	VerdictRepeatInRun
	// VerdictKnown means the sink already holds the identifier from an earlier run.
	VerdictKnown
	// VerdictInvalid means the item lacks an identifier, a payload or the target version.
	VerdictInvalid
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case VerdictFresh:
		return "fresh"
	case VerdictRepeatInRun:
		return "repeat"
	case VerdictKnown:
		return "known"
	case VerdictInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// DedupFilter combines an in-run identifier set with a lookup against stored items.
// It lives for one run.
type DedupFilter struct {
	mu                 sync.Mutex
	seen               map[string]struct{}
	sink               ItemSink
	target             Target
	strictVersionMatch bool
}

// NewDedupFilter builds a filter backed by the given sink. A nil sink disables the
// cross-run layer.
func NewDedupFilter(sink ItemSink, target Target, strictVersionMatch bool) *DedupFilter {
	return &DedupFilter{
		seen:               make(map[string]struct{}),
		sink:               sink,
		target:             target,
		strictVersionMatch: strictVersionMatch,
	}
}

// Check classifies an item and records fresh and known identifiers as seen.
func (f *DedupFilter) Check(ctx context.Context, item Item) (Verdict, error) {
	id := strings.TrimSpace(item.ExternalID)
	if id == "" || strings.TrimSpace(item.Prompt) == "" {
		return VerdictInvalid, nil
	}
	if f.strictVersionMatch && f.target.VersionID != "" && !matchesVersion(item, f.target.VersionID) {
		return VerdictInvalid, nil
	}

	f.mu.Lock()
	if _, ok := f.seen[id]; ok {
		f.mu.Unlock()
		return VerdictRepeatInRun, nil
	}
	f.seen[id] = struct{}{}
	f.mu.Unlock()

	if f.sink == nil {
		return VerdictFresh, nil
	}
	exists, err := f.sink.Exists(ctx, id)
	if err != nil {
		f.forget(id)
		return VerdictFresh, fmt.Errorf("lookup item %s: %w", id, err)
	}
	if exists {
		return VerdictKnown, nil
	}
	return VerdictFresh, nil
}

// Accept reports whether the item should be stored as new.
func (f *DedupFilter) Accept(ctx context.Context, item Item) (bool, error) {
	verdict, err := f.Check(ctx, item)
	if err != nil {
		return false, err
	}
	return verdict == VerdictFresh, nil
}

// Seen returns the number of distinct identifiers observed.
func (f *DedupFilter) Seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *DedupFilter) forget(id string) {
	f.mu.Lock()
	delete(f.seen, id)
	f.mu.Unlock()
}

func matchesVersion(item Item, versionID string) bool {
	if len(item.Resources) == 0 {
		return item.ModelVersionID == versionID
	}
	for _, r := range item.Resources {
		if strings.EqualFold(r.Type, "checkpoint") && r.ModelVersionID == versionID {
			return true
		}
	}
	return false
}
