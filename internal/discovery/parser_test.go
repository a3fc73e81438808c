package discovery

import (
	"testing"

	"github.com/shopspring/decimal"

	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/solana"
)

// Valid base58-encoded 32-byte addresses for tests.
const (
	poolA = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	poolB = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		logs []string
		want domain.TxKind
	}{
		{"add marker", []string{"Program log: Instruction: AddLiquidity"}, domain.KindAdd},
		{"deposit marker", []string{"Program log: ray_log Deposit"}, domain.KindAdd},
		{"remove marker", []string{"Program log: Instruction: RemoveLiquidity"}, domain.KindRemove},
		{"withdraw marker", []string{"Program log: Withdraw complete"}, domain.KindRemove},
		{"swap default", []string{"Program log: Instruction: Swap"}, domain.KindSwap},
		{"no markers", []string{"Program log: success"}, domain.KindSwap},
		{"add wins over remove", []string{"Program log: Withdraw", "Program log: Deposit"}, domain.KindAdd},
		{"empty", nil, domain.KindSwap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.logs); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractPoolAddress(t *testing.T) {
	watched := func(addr string) bool { return addr == poolA }

	logs := []string{
		"Program " + poolB + " invoke [1]",
		"Program log: pool " + poolA + " swap",
	}

	if got := ExtractPoolAddress(logs, watched); got != poolA {
		t.Errorf("ExtractPoolAddress() = %q, want %q", got, poolA)
	}
}

func TestExtractPoolAddress_NotWatched(t *testing.T) {
	logs := []string{"Program log: pool " + poolA + " swap"}

	if got := ExtractPoolAddress(logs, func(string) bool { return false }); got != "" {
		t.Errorf("ExtractPoolAddress() = %q, want empty", got)
	}
}

func TestExtractPoolAddress_IgnoresNonAddresses(t *testing.T) {
	logs := []string{"Program log: consumed 24051 of 200000 compute units"}

	if got := ExtractPoolAddress(logs, func(string) bool { return true }); got != "" {
		t.Errorf("ExtractPoolAddress() = %q, want empty", got)
	}
}

func TestBuildRecord_AmountFromBalanceDelta(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig1",
		Slot:      100,
		BlockTime: 1704067200,
		Meta: &solana.TransactionMeta{
			LogMessages:  []string{"Program log: Instruction: Deposit"},
			PreBalances:  []uint64{5_000_000_000},
			PostBalances: []uint64{3_500_000_000},
		},
	}

	rec := BuildRecord(tx, poolA, 0)

	if rec.Kind != domain.KindAdd {
		t.Errorf("Kind = %v, want add", rec.Kind)
	}
	if !rec.AmountKnown {
		t.Fatal("AmountKnown = false, want true")
	}
	if !rec.Amount.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("Amount = %s, want 1.5", rec.Amount)
	}
	if rec.ObservedAtMs != 1704067200000 {
		t.Errorf("ObservedAtMs = %d, want block time in ms", rec.ObservedAtMs)
	}
}

func TestBuildRecord_UnknownAmountStillFlows(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig2",
		Meta: &solana.TransactionMeta{
			LogMessages: []string{"Program log: Instruction: Swap"},
		},
	}

	rec := BuildRecord(tx, poolA, 1700000000000)

	if rec.AmountKnown {
		t.Error("AmountKnown = true for missing balances, want false")
	}
	if !rec.Amount.IsZero() {
		t.Errorf("Amount = %s, want zero", rec.Amount)
	}
	if rec.ObservedAtMs != 1700000000000 {
		t.Errorf("ObservedAtMs = %d, want fallback now", rec.ObservedAtMs)
	}
	if rec.Kind != domain.KindSwap {
		t.Errorf("Kind = %v, want swap", rec.Kind)
	}
}

func TestBuildRecord_ZeroDeltaIsUnknown(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig3",
		Meta: &solana.TransactionMeta{
			PreBalances:  []uint64{1000},
			PostBalances: []uint64{1000},
		},
	}

	rec := BuildRecord(tx, poolA, 1)
	if rec.AmountKnown {
		t.Error("zero delta must be reported as unknown, not fabricated")
	}
}
