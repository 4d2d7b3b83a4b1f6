package strategy

import (
	"context"
	"testing"

	"github.com/klingon-exchange/operatord/internal/store"
)

func TestExitHandleClosesFullRemainingPosition(t *testing.T) {
	st := newTestStore(t)
	seedWallet(t, st, "wallet-1")
	shield := newShieldEngine(t, st)

	entrySig := Signal{SignalID: "sig-1", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := shield.Handle(context.Background(), entrySig); err != nil {
		t.Fatalf("shield Handle() error = %v", err)
	}
	trades, _ := st.ListTrades(store.TradeFilter{})
	tradeUUID := trades[0].TradeUUID

	exit := NewExitEngine(newPaperBundleBuilder(t, st), st, "USDC")
	exitSig := Signal{SignalID: "sig-exit", ExitTradeUUID: tradeUUID, Kind: KindExit, ExitReason: "source_wallet_sold"}
	if err := exit.Handle(context.Background(), exitSig); err != nil {
		t.Fatalf("exit Handle() error = %v", err)
	}

	pos, err := st.GetPosition(tradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionClosed {
		t.Fatalf("position state = %s, want CLOSED after the source wallet sold", pos.State)
	}

	trade, err := st.GetTrade(tradeUUID)
	if err != nil {
		t.Fatalf("GetTrade() error = %v", err)
	}
	if trade.Status != store.TradeClosed {
		t.Fatalf("trade status = %s, want CLOSED", trade.Status)
	}
}

func TestExitHandleClosesOnlyRemainingFractionAfterPartialTieredExit(t *testing.T) {
	st := newTestStore(t)
	seedWallet(t, st, "wallet-1")
	shield := newShieldEngine(t, st)

	entrySig := Signal{SignalID: "sig-2", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := shield.Handle(context.Background(), entrySig); err != nil {
		t.Fatalf("shield Handle() error = %v", err)
	}
	trades, _ := st.ListTrades(store.TradeFilter{})
	tradeUUID := trades[0].TradeUUID

	if err := st.SetPendingExitFraction(tradeUUID, 4000); err != nil {
		t.Fatalf("SetPendingExitFraction() error = %v", err)
	}

	exit := NewExitEngine(newPaperBundleBuilder(t, st), st, "USDC")
	exitSig := Signal{SignalID: "sig-exit-2", ExitTradeUUID: tradeUUID, Kind: KindExit}
	if err := exit.Handle(context.Background(), exitSig); err != nil {
		t.Fatalf("exit Handle() error = %v", err)
	}

	pos, err := st.GetPosition(tradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionClosed {
		t.Fatalf("position state = %s, want CLOSED once the remaining fraction is sold off", pos.State)
	}
}

func TestExitHandleIsNoOpWhenNoFractionRemains(t *testing.T) {
	st := newTestStore(t)
	seedWallet(t, st, "wallet-1")
	shield := newShieldEngine(t, st)

	entrySig := Signal{SignalID: "sig-3", SourceWallet: "wallet-1", Token: "TOKEN1", Kind: KindShield, ConsensusCount: 1}
	if err := shield.Handle(context.Background(), entrySig); err != nil {
		t.Fatalf("shield Handle() error = %v", err)
	}
	trades, _ := st.ListTrades(store.TradeFilter{})
	tradeUUID := trades[0].TradeUUID

	if err := st.SetPendingExitFraction(tradeUUID, 10000); err != nil {
		t.Fatalf("SetPendingExitFraction() error = %v", err)
	}

	exit := NewExitEngine(newPaperBundleBuilder(t, st), st, "USDC")
	exitSig := Signal{SignalID: "sig-exit-3", ExitTradeUUID: tradeUUID, Kind: KindExit}
	if err := exit.Handle(context.Background(), exitSig); err != nil {
		t.Fatalf("exit Handle() error = %v", err)
	}

	pos, err := st.GetPosition(tradeUUID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if pos.State != store.PositionClosed {
		t.Fatalf("position state = %s, want CLOSED", pos.State)
	}
}
