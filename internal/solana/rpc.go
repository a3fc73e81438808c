package solana

import "context"

// RPCClient defines the provider HTTP JSON-RPC interface the relay depends on.
// Both calls are idempotent and safe to retry.
type RPCClient interface {
	// GetSignaturesForAddress retrieves recent signatures for an address.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetTransaction retrieves a single transaction by signature.
	// Returns nil, nil when the transaction is not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetTransactionBatch retrieves transaction details for many signatures in
	// one batched request. The result slice is parallel to signatures; entries
	// that could not be resolved are nil.
	GetTransactionBatch(ctx context.Context, signatures []string) ([]*Transaction, error)
}

// Transaction represents a provider transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err          interface{}
	LogMessages  []string
	PreBalances  []uint64
	PostBalances []uint64
}

// TransactionMessage contains the parsed transaction message.
type TransactionMessage struct {
	AccountKeys []string
}
