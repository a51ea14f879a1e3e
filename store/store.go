// Package store persists the auth record across process restarts.
//
// A store holds at most one AuthRecord at a time; every write replaces the
// whole record so a concurrent reader never observes a partial update. A
// secondary snapshot slot keeps the last-known auth state for UI surfaces
// that render before the first backend round-trip completes.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mrinal-mann/Knugget-new/core"
)

// ErrCorrupt reports a stored payload that cannot be decoded or unsealed.
// Callers should treat the record as gone and clear it.
var ErrCorrupt = errors.New("store: stored record is corrupt")

// Snapshot is the last-known auth state, kept for UI recovery. It carries
// no tokens and never grants access by itself.
type Snapshot struct {
	Authenticated bool      `json:"authenticated"`
	User          core.User `json:"user"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists the single auth record plus the last-known snapshot.
type Store interface {
	// Load returns the stored record. The boolean reports presence.
	Load(ctx context.Context) (core.AuthRecord, bool, error)
	// Save replaces the stored record wholesale.
	Save(ctx context.Context, rec core.AuthRecord) error
	// Clear removes the stored record. Clearing an empty store is a no-op.
	Clear(ctx context.Context) error
	// SaveSnapshot replaces the last-known snapshot.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns the last-known snapshot. The boolean reports presence.
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	// Close releases any backing resources.
	Close() error
}

// MemStore keeps the record in process memory. It backs tests and
// ephemeral contexts that must not touch disk.
type MemStore struct {
	mu   sync.RWMutex
	rec  *core.AuthRecord
	snap *Snapshot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns the stored record.
func (s *MemStore) Load(ctx context.Context) (core.AuthRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.AuthRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return core.AuthRecord{}, false, nil
	}
	return *s.rec, true, nil
}

// Save replaces the stored record.
func (s *MemStore) Save(ctx context.Context, rec core.AuthRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := rec
	s.rec = &clone
	return nil
}

// Clear removes the stored record.
func (s *MemStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

// SaveSnapshot replaces the last-known snapshot.
func (s *MemStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := snap
	s.snap = &clone
	return nil
}

// LoadSnapshot returns the last-known snapshot.
func (s *MemStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false, nil
	}
	return *s.snap, true, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
