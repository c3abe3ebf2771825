package agentstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/switchboard/internal/agent"
)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu     sync.RWMutex
	agents map[string]agent.Agent
	now    func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{agents: make(map[string]agent.Agent), now: time.Now}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	a.BehaviorRules = slices.Clone(a.BehaviorRules)
	a.Vocabulary = slices.Clone(a.Vocabulary)
	return &a, nil
}

// List implements [Store].
func (s *MemStore) List(context.Context) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		a.BehaviorRules = slices.Clone(a.BehaviorRules)
		a.Vocabulary = slices.Clone(a.Vocabulary)
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b agent.Agent) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Upsert implements [Store]. CreatedAt is kept across updates.
func (s *MemStore) Upsert(_ context.Context, a *agent.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if prev, ok := s.agents[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	stored := *a
	stored.BehaviorRules = slices.Clone(a.BehaviorRules)
	stored.Vocabulary = slices.Clone(a.Vocabulary)
	s.agents[a.ID] = stored
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}
