package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and as a fallback when no
// durable path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]StrategyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]StrategyRecord)}
}

func (m *MemoryStore) SaveRecord(ctx context.Context, record StrategyRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.CreatedAtMS == 0 {
		record.CreatedAtMS = time.Now().UnixMilli()
	}
	record.UpdatedAtMS = time.Now().UnixMilli()
	m.records[record.ID] = record
	return nil
}

func (m *MemoryStore) UpdateRecordStatus(ctx context.Context, id string, status RecordStatus, errorMessage string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil
	}
	record.Status = status
	record.ErrorMessage = errorMessage
	record.UpdatedAtMS = time.Now().UnixMilli()
	m.records[id] = record
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (StrategyRecord, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	return record, ok, nil
}

func (m *MemoryStore) ListRecordsByStatus(ctx context.Context, statuses ...RecordStatus) ([]StrategyRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StrategyRecord
	for _, record := range m.records {
		for _, status := range statuses {
			if record.Status == status {
				out = append(out, record)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
