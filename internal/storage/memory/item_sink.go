package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

// ItemSink stores items keyed by external identifier.
type ItemSink struct {
	mu    sync.RWMutex
	items map[string]collector.Item
}

// NewItemSink constructs an ItemSink.
func NewItemSink() *ItemSink {
	return &ItemSink{items: make(map[string]collector.Item)}
}

// Save inserts a new item or merges it into the stored copy.
func (s *ItemSink) Save(_ context.Context, item collector.Item) (collector.SaveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(item), nil
}

// SaveBatch saves every item under one lock so readers never see half a page.
func (s *ItemSink) SaveBatch(_ context.Context, items []collector.Item) ([]collector.SaveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcomes := make([]collector.SaveOutcome, len(items))
	for i, item := range items {
		outcomes[i] = s.saveLocked(item)
	}
	return outcomes, nil
}

func (s *ItemSink) saveLocked(item collector.Item) collector.SaveOutcome {
	id := strings.TrimSpace(item.ExternalID)
	if id == "" {
		return collector.OutcomeRejected
	}
	item.ExternalID = id
	existing, ok := s.items[id]
	if !ok {
		s.items[id] = item
		return collector.OutcomeInserted
	}
	s.items[id] = collector.MergeItem(existing, item)
	return collector.OutcomeUpdated
}

// Exists reports whether the identifier is stored.
func (s *ItemSink) Exists(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[externalID]
	return ok, nil
}

// Get returns the stored item.
func (s *ItemSink) Get(_ context.Context, externalID string) (collector.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[externalID]
	if !ok {
		return collector.Item{}, collector.ErrNotFound
	}
	return item, nil
}

// Count returns the number of stored items.
func (s *ItemSink) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}
