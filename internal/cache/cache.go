// Package cache provides an in-memory key/value store with key-prefix TTLs,
// pattern invalidation, and single-flight miss collapsing. Every component in
// the relay consults it before touching the upstream provider.
package cache

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"solana-pool-relay/internal/observability"
)

// DefaultTTL applies to keys whose prefix is not in the TTL table.
const DefaultTTL = 30 * time.Second

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 1 * time.Minute

// PrefixTTL binds a key prefix to a TTL. First match wins.
type PrefixTTL struct {
	Prefix string
	TTL    time.Duration
}

// DefaultTTLTable is the prefix table used when Options.TTLTable is nil.
var DefaultTTLTable = []PrefixTTL{
	{Prefix: "pool_", TTL: 10 * time.Second},
	{Prefix: "poll_", TTL: 4 * time.Second},
	{Prefix: "tx_", TTL: 10 * time.Minute},
	{Prefix: "stats_", TTL: 5 * time.Minute},
}

type entry struct {
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Store is the cache. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	table      []PrefixTTL
	defaultTTL time.Duration

	group singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	TTLTable      []PrefixTTL
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// New creates a Store and starts its background sweep.
func New(opts Options) *Store {
	table := opts.TTLTable
	if table == nil {
		table = DefaultTTLTable
	}

	defaultTTL := opts.DefaultTTL
	if defaultTTL == 0 {
		defaultTTL = DefaultTTL
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &Store{
		entries:    make(map[string]entry),
		table:      table,
		defaultTTL: defaultTTL,
		done:       make(chan struct{}),
	}

	go s.sweepLoop(sweepInterval)

	return s
}

// ttlFor resolves the TTL for a key from the prefix table.
func (s *Store) ttlFor(key string) time.Duration {
	for _, pt := range s.table {
		if strings.HasPrefix(key, pt.Prefix) {
			return pt.TTL
		}
	}
	return s.defaultTTL
}

// Get returns the live value for key. Expiry is re-checked on every read, so
// the background sweep is advisory only.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		observability.RecordCacheMiss()
		return nil, false
	}

	observability.RecordCacheHit()
	return e.value, true
}

// Set stores value under key with the prefix-derived TTL.
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	s.entries[key] = entry{
		value:      value,
		insertedAt: time.Now(),
		ttl:        s.ttlFor(key),
	}
	s.mu.Unlock()
}

// Invalidate removes a single key.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidatePattern removes every key matching re and returns how many were
// removed.
func (s *Store) InvalidatePattern(re *regexp.Regexp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if re.MatchString(key) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// GetOrCompute returns the cached value for key, or runs compute exactly once
// for all concurrent callers missing on the same key. A compute error is
// returned to every waiter and is not cached.
func (s *Store) GetOrCompute(key string, compute func() (interface{}, error)) (interface{}, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		// A waiter may arrive after the winner already stored the value.
		if v, ok := s.Get(key); ok {
			return v, nil
		}

		v, err := compute()
		if err != nil {
			return nil, err
		}

		s.Set(key, v)
		return v, nil
	})
	if shared {
		observability.RecordSingleflightShared()
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Len returns the number of entries currently stored, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background sweep. The store remains usable afterwards.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// sweepLoop periodically evicts entries whose age exceeds 2xTTL to bound
// memory. Correctness does not depend on it: Get re-checks expiry.
func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	for key, e := range s.entries {
		if now.Sub(e.insertedAt) > 2*e.ttl {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// GetAs returns the cached value for key asserted to T.
func GetAs[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// GetOrComputeAs is GetOrCompute with a typed compute function.
func GetOrComputeAs[T any](s *Store, key string, compute func() (T, error)) (T, error) {
	var zero T
	v, err := s.GetOrCompute(key, func() (interface{}, error) {
		return compute()
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: unexpected value type %T for key %q", v, key)
	}
	return t, nil
}
