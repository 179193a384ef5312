package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

var _ IssuanceStore = (*MemoryIssuanceStore)(nil)

// MemoryIssuanceStore is an in-memory IssuanceStore for tests and dry runs.
type MemoryIssuanceStore struct {
	mu      sync.RWMutex
	records map[string]*IssuanceRecord   // indexed by serial
	byKeyID map[string][]*IssuanceRecord // indexed by key id
}

// NewMemoryIssuanceStore creates an empty in-memory ledger.
func NewMemoryIssuanceStore() *MemoryIssuanceStore {
	return &MemoryIssuanceStore{
		records: make(map[string]*IssuanceRecord),
		byKeyID: make(map[string][]*IssuanceRecord),
	}
}

// Register stores a copy of record.
func (s *MemoryIssuanceStore) Register(ctx context.Context, record *IssuanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Serial]; exists {
		return ErrIssuanceAlreadyExists
	}

	c := copyRecord(record)
	s.records[c.Serial] = c
	s.byKeyID[c.KeyID] = append(s.byKeyID[c.KeyID], c)

	return nil
}

// Get retrieves a record by serial.
func (s *MemoryIssuanceStore) Get(ctx context.Context, serial string) (*IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.records[serial]
	if !exists {
		return nil, ErrIssuanceNotFound
	}
	return copyRecord(r), nil
}

// ListByPrincipal returns records for a canonical principal.
func (s *MemoryIssuanceStore) ListByPrincipal(ctx context.Context, principal string) ([]*IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*IssuanceRecord, 0, len(s.byKeyID[principal]))
	for _, r := range s.byKeyID[principal] {
		result = append(result, copyRecord(r))
	}
	sortNewestFirst(result)

	return result, nil
}

// List returns all records matching opts.
func (s *MemoryIssuanceStore) List(ctx context.Context, opts ListOptions) ([]*IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*IssuanceRecord, 0, len(s.records))
	for _, r := range s.records {
		if opts.Environment != "" && r.Environment != opts.Environment {
			continue
		}
		result = append(result, copyRecord(r))
	}
	sortNewestFirst(result)

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func sortNewestFirst(records []*IssuanceRecord) {
	slices.SortStableFunc(records, func(a, b *IssuanceRecord) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Serial, b.Serial)
	})
}
