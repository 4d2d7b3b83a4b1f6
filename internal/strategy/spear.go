package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/ids"
	"github.com/klingon-exchange/operatord/internal/reason"
	"github.com/klingon-exchange/operatord/internal/safety"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// SpearEngine is the aggressive state machine (spec.md §4.5):
// fractional-Kelly sizing scaled by signal quality, relaxed liquidity
// floor but stricter authority policy, tiered exits at sharper
// multiples, and a trailing stop on the moonbag.
type SpearEngine struct {
	sizing        SizingConfig
	profit        ProfitConfig
	safety        *safety.Oracle
	bundle        *bundle.Builder
	store         *store.Store
	priceSrc      PriceSource
	quoteToken    string
	revertCooldown time.Duration
	log           *logging.Logger
}

// NewSpearEngine constructs a SpearEngine. revertCooldown is how long
// a token is blocked from new Spear entries after a bundle for it
// lands reverted; zero falls back to a 60-minute default.
func NewSpearEngine(sizing SizingConfig, profit ProfitConfig, oracle *safety.Oracle, b *bundle.Builder, st *store.Store, priceSrc PriceSource, quoteToken string, revertCooldown time.Duration) *SpearEngine {
	if revertCooldown <= 0 {
		revertCooldown = defaultRevertCooldown
	}
	return &SpearEngine{
		sizing: sizing, profit: profit, safety: oracle, bundle: b, store: st,
		priceSrc: priceSrc, quoteToken: quoteToken, revertCooldown: revertCooldown,
		log: logging.GetDefault().Component("spear"),
	}
}

func (e *SpearEngine) Handle(ctx context.Context, sig Signal) error {
	active, err := e.store.ActivePositions()
	if err != nil {
		return fmt.Errorf("spear: count active positions: %w", err)
	}
	if e.sizing.MaxConcurrentPositions > 0 && len(active) >= e.sizing.MaxConcurrentPositions {
		e.log.Warn("rejecting spear entry: at max concurrent positions", "signal_id", sig.SignalID)
		return e.reject(sig, reason.Validation, "max_concurrent_positions reached")
	}

	wallet, err := e.store.GetWallet(sig.SourceWallet)
	if err != nil {
		return fmt.Errorf("spear: load source wallet: %w", err)
	}
	size := spearSize(e.sizing, wallet, sig.SignalQuality)

	verdict, err := e.safety.Evaluate(ctx, sig.Token, size, safety.StrategySpear)
	if err != nil {
		return fmt.Errorf("spear: safety evaluation: %w", err)
	}
	if !verdict.Passed {
		e.log.Warn("rejecting spear entry: safety check failed", "signal_id", sig.SignalID, "reason", verdict.Reason)
		return e.reject(sig, reason.SafetyReject, verdict.Reason)
	}

	tradeUUID := ids.TradeUUID(sig.SignalID, string(KindSpear), "BUY")
	trade, err := e.store.CreateTrade(&store.Trade{
		TradeUUID: tradeUUID, SignalID: sig.SignalID, Strategy: string(KindSpear), Side: "BUY",
		WalletAddress: sig.SourceWallet, Token: sig.Token, Amount: size,
	})
	if err != nil {
		return fmt.Errorf("spear: create trade: %w", err)
	}

	outcome, err := e.bundle.Execute(ctx, bundle.Request{
		TradeUUID: trade.TradeUUID, TokenIn: e.quoteToken, TokenOut: sig.Token,
		Amount: size, TipClass: bundle.TipClassStandard,
	})
	if err != nil {
		e.log.Error("spear entry submission failed", "signal_id", sig.SignalID, "error", err)
		if outcome.FailureReason == reason.LandedReverted {
			e.safety.MarkReverted(sig.Token, e.revertCooldown)
		}
		return nil
	}
	if !outcome.Landed {
		return nil
	}

	if err := e.store.UpsertPosition(&store.Position{
		TradeUUID:    trade.TradeUUID,
		EntryAmount:  outcome.FillAmount,
		EntryPrice:   outcome.EffectivePrice,
		TargetVector: e.profit.SpearTargetsPercent,
	}); err != nil {
		return fmt.Errorf("spear: open position: %w", err)
	}
	return nil
}

// MonitorOnce evaluates every open Spear position against the tiered-
// exit/hard-stop/time-exit/trailing-stop plan.
func (e *SpearEngine) MonitorOnce(ctx context.Context) error {
	positions, err := e.store.ActivePositions()
	if err != nil {
		return fmt.Errorf("spear: list active positions: %w", err)
	}
	plan := exitPlan{
		Targets:       e.profit.SpearTargetsPercent,
		TierFraction:  e.profit.SpearTieredExitFraction,
		HardStopPct:   e.profit.HardStopLossPercent,
		TimeExitHours: e.profit.TimeExitHours,
		Trailing: &trailingPlan{
			ActivationPct: e.profit.TrailingStopActivationPct,
			DistancePct:   e.profit.TrailingStopDistancePct,
		},
	}
	for _, pos := range positions {
		trade, err := e.store.GetTrade(pos.TradeUUID)
		if err != nil || trade.Strategy != string(KindSpear) {
			continue
		}
		if err := monitorOnce(ctx, e.store, e.bundle, e.quoteToken, e.priceSrc, trade, pos, plan); err != nil {
			e.log.Error("spear monitor tick failed", "trade_uuid", pos.TradeUUID, "error", err)
		}
	}
	return nil
}

func (e *SpearEngine) reject(sig Signal, code reason.Code, detail string) error {
	return e.store.AppendDeadLetter(&store.DeadLetter{
		SignalID: sig.SignalID,
		Reason:   string(code),
		Detail:   detail,
	})
}

var _ Engine = (*SpearEngine)(nil)
