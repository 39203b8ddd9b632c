package client

import (
	"context"
	"sync"

	"github.com/gurre/fixit/api"
	"github.com/gurre/fixit/federation"
)

// State is what a logged-in client holds between calls. Passwords are never
// part of it.
type State struct {
	Tokens      api.Tokens
	User        api.UserInfo
	Credentials federation.Credentials
}

// Store persists State for one client.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, s State) error
	Clear(ctx context.Context) error
}

// MemoryStore implements Store in process memory. Nothing survives a
// restart.
type MemoryStore struct {
	state *State
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the saved state and whether there is one
func (s *MemoryStore) Load(ctx context.Context) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return State{}, false, nil
	}
	return *s.state, true, nil
}

// Save replaces the saved state
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &state
	return nil
}

// Clear drops the saved state
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}
