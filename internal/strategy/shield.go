package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/ids"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/reason"
	"github.com/klingon-exchange/operatord/internal/safety"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

const defaultRevertCooldown = 60 * time.Minute

// ProfitConfig mirrors internal/config.ProfitManagementConfig.
type ProfitConfig struct {
	ShieldTargetsPercent      []float64
	ShieldTieredExitFraction  float64
	SpearTargetsPercent       []float64
	SpearTieredExitFraction   float64
	TrailingStopActivationPct float64
	TrailingStopDistancePct   float64
	HardStopLossPercent       float64
	TimeExitHours             float64
}

// ShieldEngine is the conservative state machine (spec.md §4.4):
// consensus-multiplier sizing, Shield-grade safety thresholds, tiered
// exits, no trailing stop.
type ShieldEngine struct {
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

// NewShieldEngine constructs a ShieldEngine. revertCooldown is how
// long a token is blocked from new Shield entries after a bundle for
// it lands reverted; zero falls back to a 60-minute default.
func NewShieldEngine(sizing SizingConfig, profit ProfitConfig, oracle *safety.Oracle, b *bundle.Builder, st *store.Store, priceSrc PriceSource, quoteToken string, revertCooldown time.Duration) *ShieldEngine {
	if revertCooldown <= 0 {
		revertCooldown = defaultRevertCooldown
	}
	return &ShieldEngine{
		sizing: sizing, profit: profit, safety: oracle, bundle: b, store: st,
		priceSrc: priceSrc, quoteToken: quoteToken, revertCooldown: revertCooldown,
		log: logging.GetDefault().Component("shield"),
	}
}

// Handle runs the VALIDATED -> SIZED -> SAFETY_CHECKED -> SUBMITTED ->
// CONFIRMED transition for one classified BUY signal.
func (e *ShieldEngine) Handle(ctx context.Context, sig Signal) error {
	active, err := e.store.ActivePositions()
	if err != nil {
		return fmt.Errorf("shield: count active positions: %w", err)
	}
	if e.sizing.MaxConcurrentPositions > 0 && len(active) >= e.sizing.MaxConcurrentPositions {
		e.log.Warn("rejecting shield entry: at max concurrent positions", "signal_id", sig.SignalID)
		return e.reject(sig, reason.Validation, "max_concurrent_positions reached")
	}

	size := shieldSize(e.sizing, sig.ConsensusCount)

	verdict, err := e.safety.Evaluate(ctx, sig.Token, size, safety.StrategyShield)
	if err != nil {
		return fmt.Errorf("shield: safety evaluation: %w", err)
	}
	if !verdict.Passed {
		e.log.Warn("rejecting shield entry: safety check failed", "signal_id", sig.SignalID, "reason", verdict.Reason)
		return e.reject(sig, reason.SafetyReject, verdict.Reason)
	}

	tradeUUID := ids.TradeUUID(sig.SignalID, string(KindShield), "BUY")
	trade, err := e.store.CreateTrade(&store.Trade{
		TradeUUID: tradeUUID, SignalID: sig.SignalID, Strategy: string(KindShield), Side: "BUY",
		WalletAddress: sig.SourceWallet, Token: sig.Token, Amount: size,
	})
	if err != nil {
		return fmt.Errorf("shield: create trade: %w", err)
	}

	outcome, err := e.bundle.Execute(ctx, bundle.Request{
		TradeUUID: trade.TradeUUID, TokenIn: e.quoteToken, TokenOut: sig.Token,
		Amount: size, TipClass: tipClassForShield(sig.ConsensusCount),
	})
	if err != nil {
		e.log.Error("shield entry submission failed", "signal_id", sig.SignalID, "error", err)
		if outcome.FailureReason == reason.LandedReverted {
			e.safety.MarkReverted(sig.Token, e.revertCooldown)
		}
		return nil // terminal FAILED already recorded on the trade by bundle.Execute
	}
	if !outcome.Landed {
		return nil
	}

	if err := e.store.UpsertPosition(&store.Position{
		TradeUUID:    trade.TradeUUID,
		EntryAmount:  outcome.FillAmount,
		EntryPrice:   outcome.EffectivePrice,
		TargetVector: e.profit.ShieldTargetsPercent,
	}); err != nil {
		return fmt.Errorf("shield: open position: %w", err)
	}
	return nil
}

// MonitorOnce evaluates every open Shield position once against the
// tiered-exit/hard-stop/time-exit plan. It is driven by an external
// ticker (cmd/operatord's supervisory loop), not by this engine.
func (e *ShieldEngine) MonitorOnce(ctx context.Context) error {
	positions, err := e.store.ActivePositions()
	if err != nil {
		return fmt.Errorf("shield: list active positions: %w", err)
	}
	plan := exitPlan{
		Targets:       e.profit.ShieldTargetsPercent,
		TierFraction:  e.profit.ShieldTieredExitFraction,
		HardStopPct:   e.profit.HardStopLossPercent,
		TimeExitHours: e.profit.TimeExitHours,
	}
	for _, pos := range positions {
		trade, err := e.store.GetTrade(pos.TradeUUID)
		if err != nil || trade.Strategy != string(KindShield) {
			continue
		}
		if err := monitorOnce(ctx, e.store, e.bundle, e.quoteToken, e.priceSrc, trade, pos, plan); err != nil {
			e.log.Error("shield monitor tick failed", "trade_uuid", pos.TradeUUID, "error", err)
		}
	}
	return nil
}

func (e *ShieldEngine) reject(sig Signal, code reason.Code, detail string) error {
	return e.store.AppendDeadLetter(&store.DeadLetter{
		SignalID: sig.SignalID,
		Reason:   string(code),
		Detail:   detail,
	})
}

// tipClassForShield escalates the bundle tip class once consensus
// confirms -- a multi-wallet Shield entry is time-sensitive the same
// way an exit is, since the edge decays as more wallets pile in.
func tipClassForShield(consensusCount int) bundle.TipClass {
	if consensusCount >= 2 {
		return bundle.TipClassConsensus
	}
	return bundle.TipClassStandard
}

var _ Engine = (*ShieldEngine)(nil)
