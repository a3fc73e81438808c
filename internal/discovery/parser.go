// Package discovery extracts pool relevance and a best-effort transaction
// classification from provider log text. Deep protocol decoding is delegated
// to the detail lookup; everything here is marker matching.
package discovery

import (
	"strings"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/solana"
)

// Known AMM program IDs, usable as the program-level subscription target.
const (
	// RaydiumAMMV4 is the Raydium AMM v4 program.
	RaydiumAMMV4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	// PumpFun is the pump.fun bonding curve program.
	PumpFun = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

// Classification markers, matched case-insensitively against log lines.
// Order matters: add markers win over remove markers, swap is the default.
var (
	addMarkers    = []string{"add_liquidity", "addliquidity", "deposit", "mint_to", "initialize2"}
	removeMarkers = []string{"remove_liquidity", "removeliquidity", "withdraw", "burn"}
)

// lamportsPerSol converts balance deltas to SOL.
var lamportsPerSol = decimal.NewFromInt(1_000_000_000)

// Classify maps log lines to a transaction kind. Add if any add/deposit
// marker is present, Remove for remove/withdraw markers, Swap otherwise.
func Classify(logs []string) domain.TxKind {
	for _, line := range logs {
		lower := strings.ToLower(line)
		for _, m := range addMarkers {
			if strings.Contains(lower, m) {
				return domain.KindAdd
			}
		}
	}
	for _, line := range logs {
		lower := strings.ToLower(line)
		for _, m := range removeMarkers {
			if strings.Contains(lower, m) {
				return domain.KindRemove
			}
		}
	}
	return domain.KindSwap
}

// ExtractPoolAddress scans log text for a base58-plausible account address
// that the watched predicate confirms. The predicate is the relevance
// authority; the scan only proposes candidates. Returns "" when no watched
// pool is mentioned.
func ExtractPoolAddress(logs []string, watched func(string) bool) string {
	for _, line := range logs {
		for _, tok := range strings.Fields(line) {
			tok = strings.Trim(tok, ".,:;()[]{}\"'")
			if !plausibleAddress(tok) {
				continue
			}
			if watched(tok) {
				return tok
			}
		}
	}
	return ""
}

// plausibleAddress reports whether tok could be a 32-byte base58 account key.
func plausibleAddress(tok string) bool {
	if len(tok) < 32 || len(tok) > 44 {
		return false
	}
	decoded, err := base58.Decode(tok)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}

// BuildRecord normalizes a resolved transaction into a TransactionRecord for
// poolID. The amount is the first account's balance delta in SOL; when the
// delta is unavailable the record still flows with an explicit unknown-amount
// state rather than a fabricated value.
func BuildRecord(tx *solana.Transaction, poolID string, nowMs int64) domain.TransactionRecord {
	rec := domain.TransactionRecord{
		Signature:    tx.Signature,
		PoolID:       poolID,
		Kind:         domain.KindSwap,
		Slot:         tx.Slot,
		ObservedAtMs: nowMs,
	}

	if tx.BlockTime > 0 {
		rec.ObservedAtMs = tx.BlockTime * 1000
	}

	if tx.Meta != nil {
		rec.Kind = Classify(tx.Meta.LogMessages)
		rec.Amount, rec.AmountKnown = balanceDelta(tx.Meta)
	}

	return rec
}

// balanceDelta derives the first account's balance change in SOL.
func balanceDelta(meta *solana.TransactionMeta) (decimal.Decimal, bool) {
	if len(meta.PreBalances) == 0 || len(meta.PostBalances) == 0 {
		return decimal.Zero, false
	}

	pre := meta.PreBalances[0]
	post := meta.PostBalances[0]

	var lamports uint64
	if post > pre {
		lamports = post - pre
	} else {
		lamports = pre - post
	}
	if lamports == 0 {
		return decimal.Zero, false
	}

	return decimal.NewFromUint64(lamports).Div(lamportsPerSol), true
}
