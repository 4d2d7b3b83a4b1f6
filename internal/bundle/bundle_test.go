package bundle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/chainrpc"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/reason"
	"github.com/klingon-exchange/operatord/internal/store"
)

type fakeSigner struct {
	calls int
	err   error
}

func (s *fakeSigner) Sign(msg []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte("signed:"), msg...), nil
}

type fakeAssembler struct {
	calls int
	err   error
}

func (a *fakeAssembler) Assemble(ctx context.Context, quote chainrpc.Quote, tip money.Amount) ([]byte, []byte, error) {
	a.calls++
	if a.err != nil {
		return nil, nil, a.err
	}
	return []byte("swap-tx"), []byte("tip-tx"), nil
}

// fakeRelay serves getQuote/sendBundle/getBundleStatuses/
// getRecentTipPercentile with scripted, call-counted responses so
// tests can drive NOT_LANDED-then-LANDED sequences deterministically.
type fakeRelay struct {
	t               *testing.T
	quote           map[string]interface{}
	tipPercentile   string
	bundleStatuses  []map[string]interface{} // one entry consumed per getBundleStatuses call
	statusCallCount int
}

func (f *fakeRelay) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Fatalf("decode request: %v", err)
		}

		var result interface{}
		switch req.Method {
		case "getQuote":
			result = f.quote
		case "sendBundle":
			result = "handle-1"
		case "getRecentTipPercentile":
			result = f.tipPercentile
		case "getBundleStatuses":
			idx := f.statusCallCount
			if idx >= len(f.bundleStatuses) {
				idx = len(f.bundleStatuses) - 1
			}
			result = []map[string]interface{}{f.bundleStatuses[idx]}
			f.statusCallCount++
		default:
			f.t.Fatalf("unexpected method %q", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}
}

func defaultQuote() map[string]interface{} {
	return map[string]interface{}{
		"route": "A->B", "inAmount": "0x3e8", "outAmount": "0x3e8",
		"priceImpactBps": 0, "slippageBps": 10,
	}
}

func landedStatus() map[string]interface{} {
	return map[string]interface{}{
		"state": "LANDED", "slot": 1, "fillAmount": "0x3e8",
		"effectivePrice": map[string]int64{"num": 1, "den": 1},
		"feePaid":        "0x0", "txSignature": "sig-landed",
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTrade(t *testing.T, s *store.Store, tradeUUID string) {
	t.Helper()
	if _, err := s.CreateTrade(&store.Trade{
		TradeUUID: tradeUUID, SignalID: "sig-1", Strategy: "SPEAR", Side: "BUY",
		WalletAddress: "wallet-a", Token: "token-a", Amount: money.Amount(1000),
	}); err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}
}

func TestExecutePaperTradeShortCircuitsSubmission(t *testing.T) {
	relay := &fakeRelay{t: t, quote: defaultQuote()}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")

	assembler := &fakeAssembler{}
	signer := &fakeSigner{}
	b := New(Config{PaperTrade: true, ConfirmTimeout: time.Second}, chainrpc.New(srv.URL, "", time.Second), assembler, signer, s)

	outcome, err := b.Execute(context.Background(), Request{
		TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !outcome.Landed {
		t.Fatal("paper trade should always report Landed = true")
	}
	if assembler.calls != 0 || signer.calls != 0 {
		t.Fatalf("assembler/signer calls = %d/%d, want 0/0 in paper-trade mode", assembler.calls, signer.calls)
	}

	trade, err := s.GetTrade("trade-1")
	if err != nil {
		t.Fatalf("GetTrade() error = %v", err)
	}
	if trade.TxSignature == "" {
		t.Fatal("expected a simulated tx signature to be recorded")
	}
}

func TestExecuteLandsOnFirstAttempt(t *testing.T) {
	relay := &fakeRelay{
		t: t, quote: defaultQuote(), tipPercentile: "0x186a0",
		bundleStatuses: []map[string]interface{}{landedStatus()},
	}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")

	assembler := &fakeAssembler{}
	signer := &fakeSigner{}
	cfg := Config{
		TipFloor: money.Amount(100), TipCeiling: money.Amount(1_000_000),
		TipPercentile: 0.65, TipPercentMax: 0.5, ConfirmTimeout: time.Second, MaxRetries: 3,
	}
	b := New(cfg, chainrpc.New(srv.URL, "", time.Second), assembler, signer, s)

	outcome, err := b.Execute(context.Background(), Request{
		TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !outcome.Landed {
		t.Fatal("expected outcome.Landed = true")
	}
	if outcome.TxSignature != "sig-landed" {
		t.Fatalf("TxSignature = %q, want sig-landed", outcome.TxSignature)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", outcome.Attempts)
	}
	if assembler.calls != 1 || signer.calls != 1 {
		t.Fatalf("assembler/signer calls = %d/%d, want 1/1", assembler.calls, signer.calls)
	}
}

func TestExecuteRetriesThenLandsWithEscalatedTip(t *testing.T) {
	relay := &fakeRelay{
		t: t, quote: defaultQuote(), tipPercentile: "0x64",
		bundleStatuses: []map[string]interface{}{
			{"state": "DROPPED"},
			landedStatus(),
		},
	}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")

	assembler := &fakeAssembler{}
	signer := &fakeSigner{}
	cfg := Config{
		TipFloor: money.Amount(100), TipCeiling: money.Amount(1_000_000),
		TipPercentile: 0.65, TipPercentMax: 0.5, ConfirmTimeout: 50 * time.Millisecond, MaxRetries: 3,
	}
	b := New(cfg, chainrpc.New(srv.URL, "", time.Second), assembler, signer, s)

	outcome, err := b.Execute(context.Background(), Request{
		TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", outcome.Attempts)
	}
	if assembler.calls != 2 {
		t.Fatalf("assembler calls = %d, want 2 (one per attempt)", assembler.calls)
	}
	// The first tip is the 100-lamport percentile (inside [0, 500]);
	// one DROPPED attempt doubles it before the landing attempt.
	if outcome.TipPaid != money.Amount(200) {
		t.Fatalf("TipPaid = %d, want 200 (escalated from 100)", outcome.TipPaid)
	}
}

func TestExecuteExhaustsRetriesAndReturnsMaxRetries(t *testing.T) {
	statuses := make([]map[string]interface{}, 0, 5)
	for i := 0; i < 5; i++ {
		statuses = append(statuses, map[string]interface{}{"state": "DROPPED"})
	}
	relay := &fakeRelay{t: t, quote: defaultQuote(), tipPercentile: "0x64", bundleStatuses: statuses}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")

	cfg := Config{
		TipFloor: money.Amount(100), TipCeiling: money.Amount(1_000_000),
		TipPercentile: 0.65, TipPercentMax: 0.5, ConfirmTimeout: 50 * time.Millisecond, MaxRetries: 2,
	}
	b := New(cfg, chainrpc.New(srv.URL, "", time.Second), &fakeAssembler{}, &fakeSigner{}, s)

	outcome, err := b.Execute(context.Background(), Request{
		TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000),
	})
	if err == nil {
		t.Fatal("expected an error after exhausting the retry ladder")
	}
	if outcome.FailureReason != reason.MaxRetries {
		t.Fatalf("FailureReason = %q, want %q", outcome.FailureReason, reason.MaxRetries)
	}

	trade, gerr := s.GetTrade("trade-1")
	if gerr != nil {
		t.Fatalf("GetTrade() error = %v", gerr)
	}
	if trade.Status != store.TradeFailed {
		t.Fatalf("trade status = %q, want FAILED", trade.Status)
	}
}

func TestExecuteTreatsRevertedAsImmediateFailure(t *testing.T) {
	relay := &fakeRelay{
		t: t, quote: defaultQuote(), tipPercentile: "0x64",
		bundleStatuses: []map[string]interface{}{{"state": "REVERTED"}},
	}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")

	assembler := &fakeAssembler{}
	cfg := Config{
		TipFloor: money.Amount(100), TipCeiling: money.Amount(1_000_000),
		TipPercentile: 0.65, TipPercentMax: 0.5, ConfirmTimeout: 50 * time.Millisecond, MaxRetries: 3,
	}
	b := New(cfg, chainrpc.New(srv.URL, "", time.Second), assembler, &fakeSigner{}, s)

	_, err := b.Execute(context.Background(), Request{
		TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000),
	})
	if err == nil {
		t.Fatal("expected an error for a reverted bundle")
	}
	if assembler.calls != 1 {
		t.Fatalf("assembler calls = %d, want 1 (a revert should not retry)", assembler.calls)
	}
}

func TestQuoteIsCachedWithinTwoSecondBucket(t *testing.T) {
	relay := &fakeRelay{t: t, quote: defaultQuote()}
	srv := httptest.NewServer(relay.handler())
	defer srv.Close()

	s := newTestStore(t)
	seedTrade(t, s, "trade-1")
	seedTrade(t, s, "trade-2")

	b := New(Config{PaperTrade: true, ConfirmTimeout: time.Second}, chainrpc.New(srv.URL, "", time.Second), &fakeAssembler{}, &fakeSigner{}, s)

	if _, err := b.Execute(context.Background(), Request{TradeUUID: "trade-1", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000)}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := b.Execute(context.Background(), Request{TradeUUID: "trade-2", TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000)}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	// Both executions share the same (route, bucket) key within the
	// 2-second window and the fake relay doesn't vary its response, so
	// this mainly documents that a second call doesn't error. The check
	// below only confirms that quoteCache holds an entry for the pair;
	// the number of getQuote calls the relay receives is not counted.
	b.mu.Lock()
	_, cached := b.quoteCache["token-a/token-b"]
	b.mu.Unlock()
	if !cached {
		t.Fatal("expected the quote cache to retain an entry for the token pair")
	}
}
