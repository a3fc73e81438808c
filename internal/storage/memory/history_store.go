// Package memory provides an in-memory HistoryStore, used in tests and as
// the default when no external snapshot store is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/storage"
)

// HistoryStore is an in-memory implementation of storage.HistoryStore.
type HistoryStore struct {
	mu     sync.RWMutex
	data   map[string]domain.TransactionRecord // keyed by pool|signature
	byPool map[string][]string
}

// NewHistoryStore creates an empty in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		data:   make(map[string]domain.TransactionRecord),
		byPool: make(map[string][]string),
	}
}

func historyKey(poolID, signature string) string {
	return fmt.Sprintf("%s|%s", poolID, signature)
}

// Append stores one record. Returns ErrDuplicateKey on a repeated signature.
func (s *HistoryStore) Append(_ context.Context, rec domain.TransactionRecord) error {
	if rec.PoolID == "" || rec.Signature == "" {
		return storage.ErrInvalidInput
	}

	key := historyKey(rec.PoolID, rec.Signature)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[key] = rec
	s.byPool[rec.PoolID] = append(s.byPool[rec.PoolID], key)
	return nil
}

// RecentByPool returns up to limit records for a pool, newest first.
func (s *HistoryStore) RecentByPool(_ context.Context, poolID string, limit int) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byPool[poolID]
	out := make([]domain.TransactionRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.data[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAtMs > out[j].ObservedAtMs })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
