// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

// StateStore keeps JobState records in a map guarded by a mutex.
type StateStore struct {
	mu     sync.RWMutex
	states map[collector.Target]collector.JobState
	now    func() time.Time
}

// NewStateStore constructs a StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		states: make(map[collector.Target]collector.JobState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load returns the stored state or the zero state for unknown targets.
func (s *StateStore) Load(_ context.Context, t collector.Target) (collector.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[t]
	if !ok {
		return collector.NewJobState(t), nil
	}
	return cloneState(state), nil
}

// Advance adds newlyAccepted to the running total and moves the offset forward.
func (s *StateStore) Advance(_ context.Context, t collector.Target, newlyAccepted, newOffset int, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getLocked(t)
	if newOffset < state.LastOffset {
		return fmt.Errorf("%w: %d < %d", collector.ErrOffsetRegression, newOffset, state.LastOffset)
	}
	state.TotalCollected += newlyAccepted
	state.LastOffset = newOffset
	state.ResumptionToken = token
	state.LastUpdate = s.now()
	s.states[t] = state
	return nil
}

// SetStatus updates status and planned total only.
func (s *StateStore) SetStatus(_ context.Context, t collector.Target, status collector.Status, plannedTotal *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getLocked(t)
	state.Status = status
	state.PlannedTotal = copyInt(plannedTotal)
	state.LastUpdate = s.now()
	s.states[t] = state
	return nil
}

// WriteSummary stores the run summary and its headline counters only.
func (s *StateStore) WriteSummary(_ context.Context, t collector.Target, summary collector.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getLocked(t)
	state.Summary = cloneSummary(&summary)
	state.Attempted = summary.Attempted
	state.Duplicates = summary.Duplicates
	state.Saved = summary.NewSaved
	state.LastUpdate = s.now()
	s.states[t] = state
	return nil
}

// Reset deletes the target's record.
func (s *StateStore) Reset(_ context.Context, t collector.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, t)
	return nil
}

// List returns every record, most recently updated first.
func (s *StateStore) List(_ context.Context) ([]collector.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.JobState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, cloneState(state))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].LastUpdate.After(out[j].LastUpdate)
		}
		return out[i].Target.Key() < out[j].Target.Key()
	})
	return out, nil
}

func (s *StateStore) getLocked(t collector.Target) collector.JobState {
	state, ok := s.states[t]
	if !ok {
		return collector.NewJobState(t)
	}
	return state
}

func cloneState(state collector.JobState) collector.JobState {
	state.PlannedTotal = copyInt(state.PlannedTotal)
	state.Summary = cloneSummary(state.Summary)
	return state
}

func cloneSummary(summary *collector.RunSummary) *collector.RunSummary {
	if summary == nil {
		return nil
	}
	out := *summary
	out.Planned = copyInt(summary.Planned)
	out.SampleIDs = append([]string(nil), summary.SampleIDs...)
	out.DuplicatesByVersion = append([]collector.VersionCount(nil), summary.DuplicatesByVersion...)
	return &out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
