package strategy

import (
	"context"
	"testing"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
)

func testProfitConfig() ProfitConfig {
	return ProfitConfig{
		ShieldTargetsPercent: []float64{25, 50, 100, 200}, ShieldTieredExitFraction: 0.25,
		SpearTargetsPercent: []float64{100, 300, 1000}, SpearTieredExitFraction: 0.33,
		TrailingStopActivationPct: 50, TrailingStopDistancePct: 25,
		HardStopLossPercent: -35, TimeExitHours: 48,
	}
}

func newShieldEngine(t *testing.T, st *store.Store) *ShieldEngine {
	t.Helper()
	return NewShieldEngine(testSizingConfig(), testProfitConfig(), newPassingOracle(t), newPaperBundleBuilder(t, st), st, fakePriceSource{}, "USDC", 0)
}

func TestShieldHandleOpensPositionOnCleanSignal(t *testing.T) {
	st := newTestStore(t)
	e := newShieldEngine(t, st)

	sig := Signal{SignalID: "sig-1", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := e.Handle(context.Background(), sig); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	trades, err := st.ListTrades(store.TradeFilter{})
	if err != nil {
		t.Fatalf("ListTrades() error = %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("len(trades) = %d, want 1", len(trades))
	}
	if trades[0].Status != store.TradeExecuting {
		t.Fatalf("trade status = %s, want EXECUTING once the paper fill lands", trades[0].Status)
	}

	pos, err := st.GetPosition(trades[0].TradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionActive {
		t.Fatalf("position state = %s, want ACTIVE", pos.State)
	}
}

func TestShieldHandleRejectsUnsafeToken(t *testing.T) {
	st := newTestStore(t)
	e := NewShieldEngine(testSizingConfig(), testProfitConfig(), newFailingOracle(t), newPaperBundleBuilder(t, st), st, fakePriceSource{}, "USDC", 0)

	sig := Signal{SignalID: "sig-2", SourceWallet: "wallet-1", Token: "RUGGY", Kind: KindShield, ConsensusCount: 1}
	if err := e.Handle(context.Background(), sig); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	dls, err := st.ListDeadLetters("", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("len(dead letters) = %d, want 1", len(dls))
	}
	if dls[0].Reason != "SAFETY_REJECT" {
		t.Fatalf("dead letter reason = %s, want SAFETY_REJECT", dls[0].Reason)
	}

	trades, _ := st.ListTrades(store.TradeFilter{})
	if len(trades) != 0 {
		t.Fatalf("len(trades) = %d, want 0 for a safety-rejected signal", len(trades))
	}
}

func TestShieldHandleRejectsAtMaxConcurrentPositions(t *testing.T) {
	st := newTestStore(t)
	cfg := testSizingConfig()
	cfg.MaxConcurrentPositions = 1
	e := NewShieldEngine(cfg, testProfitConfig(), newPassingOracle(t), newPaperBundleBuilder(t, st), st, fakePriceSource{}, "USDC", 0)

	first := Signal{SignalID: "sig-3", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := e.Handle(context.Background(), first); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}

	second := Signal{SignalID: "sig-4", SourceWallet: "wallet-2", Token: "TOKEN2", Kind: KindShield, ConsensusCount: 1}
	if err := e.Handle(context.Background(), second); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	dls, err := st.ListDeadLetters("VALIDATION", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("len(VALIDATION dead letters) = %d, want 1 for the second signal", len(dls))
	}
}

func TestShieldMonitorOnceClosesPositionOnHardStop(t *testing.T) {
	st := newTestStore(t)
	e := newShieldEngine(t, st)

	sig := Signal{SignalID: "sig-5", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := e.Handle(context.Background(), sig); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	trades, _ := st.ListTrades(store.TradeFilter{})
	tradeUUID := trades[0].TradeUUID
	entry, err := st.GetPosition(tradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}

	// Half the entry price is a -50% move, past the -35% hard stop.
	halfPrice := money.Rational{Num: entry.EntryPrice.Num, Den: entry.EntryPrice.Den * 2}
	e.priceSrc = fakePriceSource{price: halfPrice}
	if err := e.MonitorOnce(context.Background()); err != nil {
		t.Fatalf("MonitorOnce() error = %v", err)
	}

	pos, err := st.GetPosition(tradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionClosed {
		t.Fatalf("position state = %s, want CLOSED after a hard-stop breach", pos.State)
	}
}

func TestShieldMonitorOnceIgnoresOtherStrategiesPositions(t *testing.T) {
	st := newTestStore(t)
	shield := newShieldEngine(t, st)
	spear := NewSpearEngine(testSizingConfig(), testProfitConfig(), newPassingOracle(t), newPaperBundleBuilder(t, st), st, fakePriceSource{price: money.Rational{Num: 1, Den: 2}}, "USDC", 0)

	if err := st.UpsertWallet(&store.Wallet{Address: "wallet-1", WinRate: 0.6, ROI30d: 20, TradeCount30d: 30}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	spearSig := Signal{SignalID: "sig-spear", SourceWallet: "wallet-1", Token: "SPEARTOK", Kind: KindSpear, SignalQuality: 0.8}
	if err := spear.Handle(context.Background(), spearSig); err != nil {
		t.Fatalf("spear Handle() error = %v", err)
	}

	// Shield's monitor tick must not touch the Spear position, even
	// though its fake price source would otherwise trip the hard stop.
	shield.priceSrc = fakePriceSource{price: money.Rational{Num: 1, Den: 2}}
	if err := shield.MonitorOnce(context.Background()); err != nil {
		t.Fatalf("MonitorOnce() error = %v", err)
	}

	trades, _ := st.ListTrades(store.TradeFilter{})
	var spearTradeUUID string
	for _, tr := range trades {
		if tr.Strategy == string(KindSpear) {
			spearTradeUUID = tr.TradeUUID
		}
	}
	pos, err := st.GetPosition(spearTradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionActive {
		t.Fatalf("spear position state = %s, want ACTIVE (shield's monitor tick must not touch it)", pos.State)
	}
}
