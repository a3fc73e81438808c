package domain

import "github.com/shopspring/decimal"

// TxKind classifies a pool transaction into the closed set the relay
// understands. Deep protocol decoding is out of scope; classification is
// best-effort from log markers.
type TxKind string

const (
	// KindAdd is a liquidity add/deposit.
	KindAdd TxKind = "add"
	// KindRemove is a liquidity remove/withdraw.
	KindRemove TxKind = "remove"
	// KindSwap is a swap; also the default when no marker matches.
	KindSwap TxKind = "swap"
)

// TransactionRecord is one normalized pool transaction as delivered to
// downstream consumers. Immutable once created: no two records with the same
// Signature are ever delivered twice to the same consumer.
type TransactionRecord struct {
	Signature    string          `json:"signature"`
	PoolID       string          `json:"poolId"`
	Kind         TxKind          `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	AmountKnown  bool            `json:"amountKnown"`
	Slot         int64           `json:"slot,omitempty"`
	ObservedAtMs int64           `json:"observedAtMs"`
}
