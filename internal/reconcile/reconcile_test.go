package reconcile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "operatord-reconcile-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.New(&store.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeChain is a scripted ChainVerifier test double, keyed by
// signature/wallet so each test can set up exactly the on-chain
// picture it wants to reconcile against.
type fakeChain struct {
	landed    map[string]bool
	executed  map[string]money.Amount
	balances  map[string]money.Amount
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		landed:   make(map[string]bool),
		executed: make(map[string]money.Amount),
		balances: make(map[string]money.Amount),
	}
}

func (f *fakeChain) TransactionLanded(ctx context.Context, signature string) (bool, error) {
	return f.landed[signature], nil
}

func (f *fakeChain) ExecutedAmount(ctx context.Context, signature string) (money.Amount, error) {
	return f.executed[signature], nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, wallet, token string) (money.Amount, error) {
	return f.balances[wallet+":"+token], nil
}

func seedTradeWithPosition(t *testing.T, s *store.Store, uuid, wallet, token, sig string, amount money.Amount, posState store.PositionState) {
	t.Helper()
	tr := &store.Trade{
		TradeUUID: uuid, SignalID: uuid, Strategy: "SHIELD", Side: "BUY",
		WalletAddress: wallet, Token: token, Amount: amount,
	}
	if _, err := s.CreateTrade(tr); err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}
	if sig != "" {
		if err := s.SetTradeTxSignature(uuid, sig); err != nil {
			t.Fatalf("SetTradeTxSignature() error = %v", err)
		}
	}
	if err := s.SetTradeStatus(uuid, store.TradeExecuting, ""); err != nil {
		t.Fatalf("SetTradeStatus() error = %v", err)
	}
	if err := s.UpsertPosition(&store.Position{
		TradeUUID: uuid, EntryAmount: amount,
		EntryPrice: money.Rational{Num: 1, Den: 1000},
	}); err != nil {
		t.Fatalf("UpsertPosition() error = %v", err)
	}
	if posState != store.PositionActive {
		if err := s.AdvancePosition(uuid, posState, nil, nil); err != nil {
			t.Fatalf("AdvancePosition() error = %v", err)
		}
	}
}

func TestRunOnceFlagsMissingTx(t *testing.T) {
	st := newTestStore(t)
	seedTradeWithPosition(t, st, "t1", "wallet-1", "MOONTOK", "sig-1", 1000, store.PositionActive)
	chain := newFakeChain()
	chain.landed["sig-1"] = false

	r := New(Config{}, st, chain, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	open, err := st.ListOpenDiscrepancies()
	if err != nil {
		t.Fatalf("ListOpenDiscrepancies() error = %v", err)
	}
	if len(open) != 1 || open[0].Kind != store.DiscrepancyMissingTx {
		t.Fatalf("open discrepancies = %+v, want one MISSING_TX", open)
	}
}

func TestRunOnceFlagsAmountMismatchBeyondTolerance(t *testing.T) {
	st := newTestStore(t)
	seedTradeWithPosition(t, st, "t1", "wallet-1", "MOONTOK", "sig-1", 1_000_000, store.PositionActive)
	chain := newFakeChain()
	chain.landed["sig-1"] = true
	chain.executed["sig-1"] = 900_000 // 10% short, well past the default 0.5% tolerance

	r := New(Config{AmountMismatchToleranceBps: 50}, st, chain, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	open, err := st.ListOpenDiscrepancies()
	if err != nil {
		t.Fatalf("ListOpenDiscrepancies() error = %v", err)
	}
	if len(open) != 1 || open[0].Kind != store.DiscrepancyAmountMismatch {
		t.Fatalf("open discrepancies = %+v, want one AMOUNT_MISMATCH", open)
	}
}

func TestRunOnceToleratesSmallAmountDrift(t *testing.T) {
	st := newTestStore(t)
	seedTradeWithPosition(t, st, "t1", "wallet-1", "MOONTOK", "sig-1", 1_000_000, store.PositionActive)
	chain := newFakeChain()
	chain.landed["sig-1"] = true
	chain.executed["sig-1"] = 999_800 // within 0.5% tolerance

	r := New(Config{AmountMismatchToleranceBps: 50}, st, chain, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	open, err := st.ListOpenDiscrepancies()
	if err != nil {
		t.Fatalf("ListOpenDiscrepancies() error = %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open discrepancies = %+v, want none within tolerance", open)
	}
}

func TestRunOnceAutoClosesFullyDivestedExitingPosition(t *testing.T) {
	st := newTestStore(t)
	seedTradeWithPosition(t, st, "t1", "wallet-1", "MOONTOK", "sig-1", 1_000_000, store.PositionExiting)
	chain := newFakeChain()
	chain.landed["sig-1"] = true
	chain.executed["sig-1"] = 1_000_000
	chain.balances["wallet-1:MOONTOK"] = 0

	r := New(Config{}, st, chain, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	pos, err := st.GetPosition("t1")
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionClosed {
		t.Fatalf("position state = %s, want CLOSED after auto-close", pos.State)
	}
}

func TestRunOnceLeavesExitingPositionAloneWithRemainingBalance(t *testing.T) {
	st := newTestStore(t)
	seedTradeWithPosition(t, st, "t1", "wallet-1", "MOONTOK", "sig-1", 1_000_000, store.PositionExiting)
	chain := newFakeChain()
	chain.landed["sig-1"] = true
	chain.executed["sig-1"] = 1_000_000
	chain.balances["wallet-1:MOONTOK"] = 500

	r := New(Config{}, st, chain, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	pos, err := st.GetPosition("t1")
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionExiting {
		t.Fatalf("position state = %s, want still EXITING while balance remains", pos.State)
	}
}

func TestRunDrainsUntilContextCanceled(t *testing.T) {
	st := newTestStore(t)
	r := New(Config{Interval: 50 * time.Millisecond}, st, newFakeChain(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
