// Package upstream owns the relay's single provider connection. It filters
// the program-level log stream down to watched pools, resolves transaction
// detail in rate-limited batches, and emits normalized records.
package upstream

import (
	"context"
	"log"
	"sync"
	"time"

	"solana-pool-relay/internal/cache"
	"solana-pool-relay/internal/discovery"
	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/observability"
	"solana-pool-relay/internal/registry"
	"solana-pool-relay/internal/solana"
	"solana-pool-relay/internal/storage"
)

// DefaultBatchInterval is how often pending detail lookups are flushed.
const DefaultBatchInterval = 300 * time.Millisecond

// txCachePrefix keys resolved transaction detail in the cache store.
const txCachePrefix = "tx_"

// Connector multiplexes all downstream pool interest onto one provider
// subscription. Per-pool relevance is decided locally via the registry; the
// provider only ever sees the single program-level stream.
type Connector struct {
	ws      solana.WSClient
	rpc     solana.RPCClient
	cache   *cache.Store
	reg     *registry.Registry
	program string

	batchInterval time.Duration
	history       storage.HistoryStore
	logger        *log.Logger

	// pending maps signature to the watched pool it was attributed to,
	// accumulated between batch flushes.
	pending   map[string]string
	pendingMu sync.Mutex

	out chan domain.TransactionRecord
}

// Options configures a Connector.
type Options struct {
	WS            solana.WSClient
	RPC           solana.RPCClient
	Cache         *cache.Store
	Registry      *registry.Registry
	ProgramID     string
	BatchInterval time.Duration
	// History receives every resolved record, best-effort. Optional.
	History storage.HistoryStore
	Logger  *log.Logger
}

// New creates a Connector.
func New(opts Options) *Connector {
	batchInterval := opts.BatchInterval
	if batchInterval == 0 {
		batchInterval = DefaultBatchInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Connector{
		ws:            opts.WS,
		rpc:           opts.RPC,
		cache:         opts.Cache,
		reg:           opts.Registry,
		program:       opts.ProgramID,
		batchInterval: batchInterval,
		history:       opts.History,
		logger:        logger,
		pending:       make(map[string]string),
		out:           make(chan domain.TransactionRecord, 256),
	}
}

// Records returns the stream of resolved transaction records. Closed when
// Run returns.
func (c *Connector) Records() <-chan domain.TransactionRecord {
	return c.out
}

// Unavailable reports whether the upstream socket has given up reconnecting.
func (c *Connector) Unavailable() bool {
	return c.ws.Unavailable()
}

// Run subscribes to the program log stream and processes notifications until
// ctx is cancelled. It blocks. A provider that cannot be subscribed yet is
// never fatal: the subscription is retried with bounded backoff while the
// relay serves in degraded, polling-backed mode.
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.out)

	notifCh, err := c.subscribeWithRetry(ctx)
	if err != nil {
		return err
	}
	c.logger.Printf("[upstream] subscribed to program %s", c.program)

	ticker := time.NewTicker(c.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notif, ok := <-notifCh:
			if !ok {
				c.logger.Println("[upstream] notification channel closed")
				return nil
			}
			c.handleNotification(notif)
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// subscribeWithRetry issues the program subscription until it sticks,
// backing off 1s doubling to 8s between failures. It returns an error only
// when ctx is cancelled.
func (c *Connector) subscribeWithRetry(ctx context.Context) (<-chan solana.LogNotification, error) {
	delay := time.Second
	const maxDelay = 8 * time.Second

	for {
		notifCh, err := c.ws.SubscribeProgram(ctx, c.program)
		if err == nil {
			return notifCh, nil
		}
		c.logger.Printf("[upstream] program subscribe failed, retrying in %v: %v", delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// handleNotification attributes a notification to a watched pool and queues
// its signature for the next batched detail fetch. The registry's dedup ring
// makes this idempotent per signature.
func (c *Connector) handleNotification(notif solana.LogNotification) {
	observability.RecordNotification()

	// Failed transactions carry an error object; nothing to relay.
	if notif.Err != nil {
		return
	}

	poolID := discovery.ExtractPoolAddress(notif.Logs, c.reg.IsWatched)
	if poolID == "" {
		return
	}

	if !c.reg.MarkSeen(poolID, notif.Signature) {
		return
	}

	c.pendingMu.Lock()
	c.pending[notif.Signature] = poolID
	c.pendingMu.Unlock()
}

// flush resolves all pending signatures in one batched lookup, consulting the
// cache first so a signature already resolved is never re-fetched. Lookup
// failures are logged and dropped: the signature is already marked seen, so
// it is not retried indefinitely.
func (c *Connector) flush(ctx context.Context) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]string)
	c.pendingMu.Unlock()

	var toFetch []string
	for sig := range batch {
		if _, ok := cache.GetAs[*solana.Transaction](c.cache, txCachePrefix+sig); !ok {
			toFetch = append(toFetch, sig)
		}
	}

	if len(toFetch) > 0 {
		txs, err := c.rpc.GetTransactionBatch(ctx, toFetch)
		if err != nil {
			c.logger.Printf("[upstream] batch detail lookup failed for %d signatures: %v", len(toFetch), err)
			observability.RecordDetailLookupError()
			return
		}
		for i, tx := range txs {
			if tx == nil {
				c.logger.Printf("[upstream] no detail for signature %s", toFetch[i])
				observability.RecordDetailLookupError()
				continue
			}
			c.cache.Set(txCachePrefix+tx.Signature, tx)
		}
	}

	nowMs := time.Now().UnixMilli()
	for sig, poolID := range batch {
		tx, ok := cache.GetAs[*solana.Transaction](c.cache, txCachePrefix+sig)
		if !ok {
			continue
		}

		rec := discovery.BuildRecord(tx, poolID, nowMs)
		c.reg.RecordDelivered(rec)
		observability.RecordRecordResolved()

		if c.history != nil {
			if err := c.history.Append(ctx, rec); err != nil && err != storage.ErrDuplicateKey {
				c.logger.Printf("[upstream] history append failed for %s: %v", rec.Signature, err)
			}
		}

		select {
		case c.out <- rec:
		case <-ctx.Done():
			return
		}
	}
}
