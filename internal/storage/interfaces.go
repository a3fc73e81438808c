// Package storage defines the seam to the historical snapshot store. The
// store itself is an external collaborator of the relay; the relay only
// appends the records it resolves and never reads them back on the hot path.
package storage

import (
	"context"

	"solana-pool-relay/internal/domain"
)

// HistoryStore persists resolved transaction records for later analysis.
// Implementations must tolerate duplicate appends of the same signature.
type HistoryStore interface {
	// Append stores one resolved record. ErrDuplicateKey means the
	// signature was already persisted for that pool.
	Append(ctx context.Context, rec domain.TransactionRecord) error

	// RecentByPool returns up to limit records for a pool, newest first.
	RecentByPool(ctx context.Context, poolID string, limit int) ([]domain.TransactionRecord, error)
}
