package repository

import (
	"context"
	"sync"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// MemoryStateStore keeps state for the life of the process.
type MemoryStateStore struct {
	mu      sync.Mutex
	states  map[string][]byte
	saves   int
	saveErr error
}

var _ ports.StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string][]byte)}
}

// FailSaves makes every later Save return err; nil restores normal saves.
func (s *MemoryStateStore) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// Saves reports how many Save calls succeeded.
func (s *MemoryStateStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStateStore) Load(ctx context.Context, connector string) (domain.RunState, error) {
	s.mu.Lock()
	data, ok := s.states[connector]
	s.mu.Unlock()
	if !ok {
		return domain.RunState{Snapshot: make(domain.KeySet)}, nil
	}
	return unmarshalState(data)
}

func (s *MemoryStateStore) Save(ctx context.Context, connector string, state domain.RunState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.states[connector] = data
	s.saves++
	return nil
}

func (s *MemoryStateStore) Close() error { return nil }
