// Package registry tracks which pools are being watched and by how many
// subscribers. It is the only component allowed to decide whether the
// upstream connector should care about a pool, and it owns the per-pool
// dedup ring that guarantees a signature is processed at most once.
package registry

import (
	"log"
	"sync"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/observability"
	"solana-pool-relay/internal/ringbuf"
)

const (
	// DefaultRingSize bounds the per-pool seen-signature ring.
	DefaultRingSize = 150
	// DefaultRecentSize bounds the per-pool recent-record buffer used for
	// subscribe-time backfill replies.
	DefaultRecentSize = 50
)

// poolWatch is the per-pool bookkeeping. Owned exclusively by the Registry;
// all access happens under the registry mutex.
type poolWatch struct {
	poolID      string
	subscribers uint

	seen     map[string]struct{}
	seenRing *ringbuf.Ring[string]

	recent []domain.TransactionRecord
}

// Handle is an opaque token bound to one Watch call. Unwatch through a handle
// is idempotent, which keeps double-release from ever driving a counter
// negative.
type Handle struct {
	poolID   string
	released bool
}

// PoolID returns the pool this handle watches.
func (h *Handle) PoolID() string {
	return h.poolID
}

// Registry is the reference-counted pool watch map. Safe for concurrent use;
// Watch and Unwatch are the only mutation points for the counters.
type Registry struct {
	mu      sync.Mutex
	watches map[string]*poolWatch

	ringSize   int
	recentSize int
	logger     *log.Logger
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	RingSize   int
	RecentSize int
	Logger     *log.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	ringSize := opts.RingSize
	if ringSize == 0 {
		ringSize = DefaultRingSize
	}
	recentSize := opts.RecentSize
	if recentSize == 0 {
		recentSize = DefaultRecentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Registry{
		watches:    make(map[string]*poolWatch),
		ringSize:   ringSize,
		recentSize: recentSize,
		logger:     logger,
	}
}

// Watch registers interest in poolID, creating the PoolWatch on first
// subscribe, and returns a handle bound to this call.
func (r *Registry) Watch(poolID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[poolID]
	if !ok {
		w = &poolWatch{
			poolID:   poolID,
			seen:     make(map[string]struct{}),
			seenRing: ringbuf.New[string](r.ringSize),
		}
		r.watches[poolID] = w
		r.logger.Printf("[registry] watching pool %s", poolID)
	}
	w.subscribers++

	observability.SetWatchedPools(len(r.watches))
	return &Handle{poolID: poolID}
}

// Unwatch releases a handle. When the last subscriber leaves, the PoolWatch
// and its dedup state are destroyed. Releasing the same handle twice is a
// no-op; the count never goes negative.
func (r *Registry) Unwatch(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	w, ok := r.watches[h.poolID]
	if !ok || w.subscribers == 0 {
		// count >= 0 invariant enforced here, at the single decrement site
		return
	}

	w.subscribers--
	if w.subscribers == 0 {
		delete(r.watches, h.poolID)
		r.logger.Printf("[registry] pool %s released", h.poolID)
	}

	observability.SetWatchedPools(len(r.watches))
}

// IsWatched reports whether anyone currently watches poolID.
func (r *Registry) IsWatched(poolID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.watches[poolID]
	return ok
}

// SubscriberCount returns the current count for poolID (0 when unwatched).
func (r *Registry) SubscriberCount(poolID string) uint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.watches[poolID]; ok {
		return w.subscribers
	}
	return 0
}

// WatchedPools returns the ids of all pools with at least one subscriber.
func (r *Registry) WatchedPools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pools := make([]string, 0, len(r.watches))
	for id := range r.watches {
		pools = append(pools, id)
	}
	return pools
}

// MarkSeen records a signature in the pool's dedup ring. It returns true the
// first time a signature is seen and false on repeats or when the pool is not
// watched. The ring is bounded: the oldest signature falls out when full.
func (r *Registry) MarkSeen(poolID, signature string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[poolID]
	if !ok {
		return false
	}

	if _, dup := w.seen[signature]; dup {
		return false
	}

	w.seen[signature] = struct{}{}
	if old, evicted := w.seenRing.Push(signature); evicted {
		delete(w.seen, old)
	}
	return true
}

// RecordDelivered appends a resolved record to the pool's recent buffer so
// later subscribers get an immediate backfill. Oldest records are trimmed.
func (r *Registry) RecordDelivered(rec domain.TransactionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[rec.PoolID]
	if !ok {
		return
	}

	w.recent = append(w.recent, rec)
	if len(w.recent) > r.recentSize {
		w.recent = w.recent[len(w.recent)-r.recentSize:]
	}
}

// Recent returns a copy of the pool's recent records, oldest first.
func (r *Registry) Recent(poolID string) []domain.TransactionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[poolID]
	if !ok || len(w.recent) == 0 {
		return nil
	}

	out := make([]domain.TransactionRecord, len(w.recent))
	copy(out, w.recent)
	return out
}

