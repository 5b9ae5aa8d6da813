package database

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps file records in process memory. It backs
// DATABASE_URL=memory for local runs and the service tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*FileRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*FileRecord)}
}

func clone(f *FileRecord) *FileRecord {
	c := *f
	c.Recipients = slices.Clone(f.Recipients)
	return &c
}

func (m *MemoryRepository) Create(ctx context.Context, f *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[f.UUID] = clone(f)
	return nil
}

func (m *MemoryRepository) GetByUUID(ctx context.Context, uuid string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.records[uuid]
	if !ok {
		return nil, ErrFileNotFound
	}
	return clone(f), nil
}

func (m *MemoryRepository) AddRecipient(ctx context.Context, uuid, sender, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.records[uuid]
	if !ok {
		return ErrFileNotFound
	}
	if slices.Contains(f.Recipients, recipient) {
		return ErrRecipientExists
	}
	f.Recipients = append(f.Recipients, recipient)
	if sender != "" {
		f.Sender = sender
	}
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[uuid]; !ok {
		return ErrFileNotFound
	}
	delete(m.records, uuid)
	return nil
}

func (m *MemoryRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FileRecord
	for _, f := range m.records {
		if f.CreatedAt.Before(cutoff) {
			out = append(out, clone(f))
		}
	}
	return out, nil
}

func (m *MemoryRepository) ReferencedFilenames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make(map[string]struct{}, len(m.records))
	for _, f := range m.records {
		names[f.Filename] = struct{}{}
	}
	return names, nil
}

func (m *MemoryRepository) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{}
	for _, f := range m.records {
		stats.TotalFiles++
		stats.TotalBytes += f.Size
	}
	return stats, nil
}

// HealthCheck always succeeds.
func (m *MemoryRepository) HealthCheck(ctx context.Context) error {
	return nil
}
