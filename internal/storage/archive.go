package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Archive persists resolved ride requests. Writes are upserts: a request is
// archived again when it is later annotated (completed, assignment lost).
// A write carrying an older revision than the stored one is dropped.
type Archive interface {
	ArchiveRequest(ctx context.Context, r models.RideRequest) error
}

type MemoryArchive struct {
	mu   sync.RWMutex
	recs map[string]models.RideRequest
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{recs: make(map[string]models.RideRequest)}
}

func (m *MemoryArchive) ArchiveRequest(_ context.Context, r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recs[r.ID]; ok && cur.Revision > r.Revision {
		return nil
	}
	m.recs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryArchive) Get(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	return r, ok
}

func (m *MemoryArchive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
