package strategy

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// ExitEngine handles a source-wallet SELL that resolves to an open
// position (internal/router's classifyAndRoute already did that
// resolution): it closes out whatever fraction of the position
// remains immediately, regardless of which strategy opened it or
// where its tiered-exit walk currently stands. This is distinct from
// the tiered/trailing exits Shield and Spear drive themselves from
// price movement -- this one fires because the wallet being copied
// sold, not because a target or stop was hit.
type ExitEngine struct {
	bundle     *bundle.Builder
	store      *store.Store
	quoteToken string
	log        *logging.Logger
}

// NewExitEngine constructs an ExitEngine.
func NewExitEngine(b *bundle.Builder, st *store.Store, quoteToken string) *ExitEngine {
	return &ExitEngine{bundle: b, store: st, quoteToken: quoteToken, log: logging.GetDefault().Component("exit")}
}

func (e *ExitEngine) Handle(ctx context.Context, sig Signal) error {
	trade, err := e.store.GetTrade(sig.ExitTradeUUID)
	if err != nil {
		return fmt.Errorf("exit: load trade: %w", err)
	}
	pos, err := e.store.GetPosition(sig.ExitTradeUUID)
	if err != nil {
		return fmt.Errorf("exit: load position: %w", err)
	}

	remainingFractionBps := 10000 - pos.PendingExitFrac
	if remainingFractionBps <= 0 {
		return e.store.AdvancePosition(trade.TradeUUID, store.PositionClosed, nil, nil)
	}
	amount := trade.Amount.ApplyBPS(money.BPS(remainingFractionBps))

	outcome, err := e.bundle.Execute(ctx, bundle.Request{
		TradeUUID: trade.TradeUUID, TokenIn: trade.Token, TokenOut: e.quoteToken,
		Amount: amount, TipClass: bundle.TipClassExit,
	})
	if err != nil {
		e.log.Error("source-wallet exit submission failed", "trade_uuid", trade.TradeUUID, "error", err)
		return nil
	}
	if !outcome.Landed {
		return nil
	}

	if err := e.store.SetExitPrice(trade.TradeUUID, outcome.EffectivePrice); err != nil {
		return fmt.Errorf("exit: record exit price: %w", err)
	}
	if err := e.store.AdvancePosition(trade.TradeUUID, store.PositionClosed, nil, nil); err != nil {
		return fmt.Errorf("exit: close position: %w", err)
	}
	pnl := outcome.FillAmount - trade.Amount
	if err := e.store.SetTradePnL(trade.TradeUUID, pnl, pnl); err != nil {
		return fmt.Errorf("exit: record trade pnl: %w", err)
	}
	return e.store.SetTradeStatus(trade.TradeUUID, store.TradeClosed, "")
}

var _ Engine = (*ExitEngine)(nil)
