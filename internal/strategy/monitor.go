package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
)

// PriceSource resolves a token's current mark price in quote-currency
// minor units per whole token, the one external input the monitoring
// loop needs beyond what the store already has.
type PriceSource interface {
	MarkPrice(ctx context.Context, token string) (money.Rational, error)
}

// trailingPlan configures Spear's trailing-stop behavior; nil on
// Shield, which never activates one (spec.md §4.4).
type trailingPlan struct {
	ActivationPct float64
	DistancePct   float64
}

// exitPlan parameterizes the tiered/stop/time exit evaluation shared
// by Shield and Spear; only the target vector, tranche fraction, and
// trailing-stop presence differ between them.
type exitPlan struct {
	Targets       []float64
	TierFraction  float64
	HardStopPct   float64
	TimeExitHours float64
	Trailing      *trailingPlan
}

// monitorOnce evaluates one position against plan and drives whatever
// partial or full exit its current price movement and age warrant.
// Quote/assemble/submit/confirm for the exit itself is delegated to
// bundleBuilder; monitorOnce owns only the decision and the store
// bookkeeping.
func monitorOnce(ctx context.Context, st *store.Store, bundleBuilder *bundle.Builder, quoteToken string, priceSrc PriceSource, trade *store.Trade, pos *store.Position, plan exitPlan) error {
	price, err := priceSrc.MarkPrice(ctx, trade.Token)
	if err != nil {
		return fmt.Errorf("strategy: mark price: %w", err)
	}
	pctChange := (price.Float64()/pos.EntryPrice.Float64() - 1) * 100

	if plan.HardStopPct != 0 && pctChange <= plan.HardStopPct {
		return closeRemainder(ctx, st, bundleBuilder, quoteToken, trade, pos, price)
	}

	if plan.TimeExitHours > 0 && time.Since(pos.OpenedAt) >= time.Duration(plan.TimeExitHours*float64(time.Hour)) {
		return closeRemainder(ctx, st, bundleBuilder, quoteToken, trade, pos, price)
	}

	if plan.Trailing != nil && pctChange >= plan.Trailing.ActivationPct {
		if price.Float64() > pos.HighWaterMark.Float64() {
			if err := st.AdvancePosition(trade.TradeUUID, pos.State, &price, nil); err != nil {
				return fmt.Errorf("strategy: raise high-water mark: %w", err)
			}
			pos.HighWaterMark = price
		}
		retracePct := (1 - price.Float64()/pos.HighWaterMark.Float64()) * 100
		if retracePct >= plan.Trailing.DistancePct {
			return closeRemainder(ctx, st, bundleBuilder, quoteToken, trade, pos, price)
		}
	}

	if pos.NextTierIndex < len(plan.Targets) && pctChange >= plan.Targets[pos.NextTierIndex] {
		return sellTranche(ctx, st, bundleBuilder, quoteToken, trade, pos, plan)
	}
	return nil
}

func sellTranche(ctx context.Context, st *store.Store, bundleBuilder *bundle.Builder, quoteToken string, trade *store.Trade, pos *store.Position, plan exitPlan) error {
	tierFraction := plan.TierFraction
	if tierFraction <= 0 {
		tierFraction = 1
	}
	remainingFractionBps := 10000 - pos.PendingExitFrac
	tierBps := int64(tierFraction * 10000)
	if tierBps > remainingFractionBps {
		tierBps = remainingFractionBps
	}
	amount := money.Amount(float64(pos.EntryAmount) * float64(tierBps) / 10000)

	outcome, err := bundleBuilder.Execute(ctx, bundle.Request{
		TradeUUID: trade.TradeUUID, TokenIn: trade.Token, TokenOut: quoteToken,
		Amount: amount, TipClass: bundle.TipClassStandard,
	})
	if err != nil {
		return fmt.Errorf("strategy: tiered exit submission: %w", err)
	}
	if !outcome.Landed {
		return nil
	}

	newPending := pos.PendingExitFrac + tierBps
	nextTier := pos.NextTierIndex + 1
	if err := st.SetPendingExitFraction(trade.TradeUUID, newPending); err != nil {
		return fmt.Errorf("strategy: record tiered exit fraction: %w", err)
	}
	state := store.PositionExiting
	if newPending >= 10000 {
		state = store.PositionClosed
	}
	if err := st.AdvancePosition(trade.TradeUUID, state, nil, &nextTier); err != nil {
		return fmt.Errorf("strategy: advance position after tiered exit: %w", err)
	}
	if state == store.PositionClosed {
		return finalizeClosedTrade(st, trade, outcome)
	}
	return nil
}

func closeRemainder(ctx context.Context, st *store.Store, bundleBuilder *bundle.Builder, quoteToken string, trade *store.Trade, pos *store.Position, price money.Rational) error {
	remainingFractionBps := 10000 - pos.PendingExitFrac
	if remainingFractionBps <= 0 {
		return st.AdvancePosition(trade.TradeUUID, store.PositionClosed, nil, nil)
	}
	amount := money.Amount(float64(pos.EntryAmount) * float64(remainingFractionBps) / 10000)

	outcome, err := bundleBuilder.Execute(ctx, bundle.Request{
		TradeUUID: trade.TradeUUID, TokenIn: trade.Token, TokenOut: quoteToken,
		Amount: amount, TipClass: bundle.TipClassExit,
	})
	if err != nil {
		return fmt.Errorf("strategy: full exit submission: %w", err)
	}
	if !outcome.Landed {
		return nil
	}

	if err := st.SetExitPrice(trade.TradeUUID, price); err != nil {
		return fmt.Errorf("strategy: record exit price: %w", err)
	}
	if err := st.AdvancePosition(trade.TradeUUID, store.PositionClosed, nil, nil); err != nil {
		return fmt.Errorf("strategy: close position: %w", err)
	}
	return finalizeClosedTrade(st, trade, outcome)
}

func finalizeClosedTrade(st *store.Store, trade *store.Trade, outcome bundle.Outcome) error {
	pnl := outcome.FillAmount - trade.Amount
	if err := st.SetTradePnL(trade.TradeUUID, pnl, pnl); err != nil {
		return fmt.Errorf("strategy: record trade pnl: %w", err)
	}
	return st.SetTradeStatus(trade.TradeUUID, store.TradeClosed, "")
}
