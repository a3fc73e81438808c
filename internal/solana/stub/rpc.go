package stub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"solana-pool-relay/internal/solana"
)

// ErrNotFound is returned when a transaction is not in the stub store.
var ErrNotFound = errors.New("not found")

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu           sync.Mutex
	Transactions map[string]*solana.Transaction
	Signatures   map[string][]solana.SignatureInfo

	// FailBatch makes GetTransactionBatch return an error when set.
	FailBatch error

	// Call counters for asserting caching and single-flight behavior.
	BatchCalls      atomic.Int32
	SignatureCalls  atomic.Int32
	GetTransactions atomic.Int32
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Transactions: make(map[string]*solana.Transaction),
		Signatures:   make(map[string][]solana.SignatureInfo),
	}
}

// GetTransaction retrieves a transaction by signature from the stub store.
func (c *RPCClient) GetTransaction(_ context.Context, signature string) (*solana.Transaction, error) {
	c.GetTransactions.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.Transactions[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

// GetTransactionBatch resolves each signature from the stub store. Unknown
// signatures yield nil entries, mirroring the real batched lookup.
func (c *RPCClient) GetTransactionBatch(_ context.Context, signatures []string) ([]*solana.Transaction, error) {
	c.BatchCalls.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailBatch != nil {
		return nil, c.FailBatch
	}

	txs := make([]*solana.Transaction, len(signatures))
	for i, sig := range signatures {
		txs[i] = c.Transactions[sig]
	}
	return txs, nil
}

// GetSignaturesForAddress retrieves signatures for an address from the stub store.
func (c *RPCClient) GetSignaturesForAddress(_ context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	c.SignatureCalls.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	sigs, ok := c.Signatures[address]
	if !ok {
		return nil, nil
	}

	if opts != nil && opts.Limit > 0 && opts.Limit < len(sigs) {
		return sigs[:opts.Limit], nil
	}

	return sigs, nil
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// AddSignatures adds signatures for an address to the stub store.
func (c *RPCClient) AddSignatures(address string, sigs []solana.SignatureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Signatures[address] = sigs
}
