package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map of JSON documents.
// Snapshots go through a real encode/decode so callers never share memory
// with the store. Used for testing and development.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte

	failSaves error // returned by SaveSnapshot when set
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
	}
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, userID string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.snapshots[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return &snap, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves != nil {
		return s.failSaves
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", snap.UserID, err)
	}
	s.snapshots[snap.UserID] = data
	return nil
}

// SetFailure makes every subsequent save return err; nil restores saving.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = err
}

// Corrupt overwrites a stored snapshot with undecodable bytes.
func (s *MemoryStore) Corrupt(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[userID] = []byte("{not json")
}

// Delete drops a stored snapshot.
func (s *MemoryStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, userID)
}
