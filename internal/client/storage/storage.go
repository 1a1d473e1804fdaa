// Package storage persists client state between sessions: seq cursors and
// cached entities, grouped into named collections.
package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Store is a collection-keyed blob store.
type Store interface {
	Init(ctx context.Context) error
	Get(ctx context.Context, collection, key string) (json.RawMessage, bool, error)
	GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Put(ctx context.Context, collection, key string, value json.RawMessage) error
	Delete(ctx context.Context, collection, key string) error
}

// ClientState is the cross-session protocol state.
type ClientState struct {
	// Version guards against applying cursors from an older layout.
	Version int `json:"version"`
	// DateCursor is the timestamp of the newest applied update.
	DateCursor int64 `json:"dateCursor"`
	// LastSeqByBucket feeds the catch-up RPC after reconnect.
	LastSeqByBucket map[string]int64 `json:"lastSeqByBucket"`
}

// CurrentStateVersion bumps when the persisted layout changes.
const CurrentStateVersion = 1

const (
	stateCollection = "state"
	stateKey        = "client"
)

// LoadClientState reads the persisted state, returning a fresh one when
// nothing is stored or the version doesn't match.
func LoadClientState(ctx context.Context, s Store) (ClientState, error) {
	fresh := ClientState{
		Version:         CurrentStateVersion,
		LastSeqByBucket: make(map[string]int64),
	}
	raw, ok, err := s.Get(ctx, stateCollection, stateKey)
	if err != nil {
		return fresh, err
	}
	if !ok {
		return fresh, nil
	}
	var state ClientState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fresh, errors.Wrap(err, "decode client state")
	}
	if state.Version != CurrentStateVersion {
		return fresh, nil
	}
	if state.LastSeqByBucket == nil {
		state.LastSeqByBucket = make(map[string]int64)
	}
	return state, nil
}

// SaveClientState persists the state.
func SaveClientState(ctx context.Context, s Store, state ClientState) error {
	state.Version = CurrentStateVersion
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.Put(ctx, stateCollection, stateKey, raw)
}

// Memory is the in-memory Store used by the CLI and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, collection, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[collection][key]
	return value, ok, nil
}

func (m *Memory) GetAll(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.data[collection]))
	for k, v := range m.data[collection] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, collection, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]json.RawMessage)
	}
	m.data[collection][key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], key)
	return nil
}
