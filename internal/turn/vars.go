package turn

import (
	"encoding/json"
	"sync"
)

// VarStore is the reference-resolution store internal actions read and
// write. Last-write-wins per key; no transactional guarantees.
type VarStore interface {
	Get(key string) (json.RawMessage, bool, error)
	Set(key string, value json.RawMessage) error
}

// MemoryVars is the default turn-local VarStore. A durable
// implementation (the sqlite store) can be passed in for cross-turn
// state.
type MemoryVars struct {
	mu   sync.Mutex
	vals map[string]json.RawMessage
}

func NewMemoryVars() *MemoryVars {
	return &MemoryVars{vals: make(map[string]json.RawMessage)}
}

func (m *MemoryVars) Get(key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *MemoryVars) Set(key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}
