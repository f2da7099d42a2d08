package runtime

import (
	"encoding/json"
	"sync"
)

// State holds the accumulated in-memory application state that must survive
// a hot reload: counters, caches, scheduled-job bookkeeping. Snapshots cross
// the instance boundary by value, never by reference.
type State struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewState creates an empty state manager
func NewState() *State {
	return &State{data: make(map[string]any)}
}

// Get returns the value stored under a key
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value under a key
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes a key
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Len returns the number of stored keys
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot returns a deep copy of the current state
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.data)
}

// Restore replaces the current state with a copy of the given snapshot
func (s *State) Restore(snapshot map[string]any) {
	copied := deepCopy(snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = copied
}

// deepCopy copies a snapshot through its serialized form. Snapshots are
// required to be fully serializable, so a failed round trip falls back to
// an empty map rather than aliasing the original.
func deepCopy(in map[string]any) map[string]any {
	if len(in) == 0 {
		return make(map[string]any)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return make(map[string]any)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return make(map[string]any)
	}
	return out
}
