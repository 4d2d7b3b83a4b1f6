// Package reconcile implements the Reconciliation Loop (spec.md
// §4.11): a periodic sweep comparing the durable ledger against
// on-chain truth. It is intentionally narrow in what it may mutate --
// per the recorded Open Question decision, the only automatic state
// change it ever makes is EXITING -> CLOSED once a position's exit is
// confirmed fully divested on chain (A10, spec.md §8); every other
// finding is recorded as an open discrepancy for an operator to
// triage, never auto-corrected.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/safety"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// ChainVerifier is the read-only on-chain-truth surface reconciliation
// needs, kept to exactly the three queries this package performs
// rather than importing a full chain client -- the same narrow-seam
// pattern as strategy.PriceSource and safety.ChainReader.
type ChainVerifier interface {
	// TransactionLanded reports whether signature is a confirmed,
	// non-reverted transaction on chain.
	TransactionLanded(ctx context.Context, signature string) (bool, error)
	// ExecutedAmount reports the amount actually transferred by a
	// landed transaction, for comparison against the recorded amount.
	ExecutedAmount(ctx context.Context, signature string) (money.Amount, error)
	// TokenBalance reports a wallet's current on-chain balance of
	// token, used to confirm a position claimed EXITING has in fact
	// been fully divested.
	TokenBalance(ctx context.Context, wallet, token string) (money.Amount, error)
}

// Config mirrors internal/config.ReconciliationConfig.
type Config struct {
	Interval                   time.Duration
	AmountMismatchToleranceBps int64
}

// Reconciler runs the periodic on-chain-truth sweep.
type Reconciler struct {
	cfg      Config
	store    *store.Store
	chain    ChainVerifier
	oracle   *safety.Oracle
	log      *logging.Logger
}

// New constructs a Reconciler. oracle may be nil if token-safety cache
// invalidation on a discrepancy is not desired.
func New(cfg Config, st *store.Store, chain ChainVerifier, oracle *safety.Oracle) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Reconciler{
		cfg:    cfg,
		store:  st,
		chain:  chain,
		oracle: oracle,
		log:    logging.GetDefault().Component("reconcile"),
	}
}

// Run sweeps once immediately, then on cfg.Interval until ctx is
// canceled -- the same immediate-then-ticker shape as
// internal/supervisor.Supervisor.Run, both grounded on
// internal/node.discoverPeers's fixed-cadence loop.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		r.log.Error("initial reconciliation sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one on-demand sweep: verify every trade with a
// recorded tx_signature actually landed with the recorded amount, and
// attempt to auto-close any position stuck in EXITING whose wallet
// has in fact fully divested the token on chain.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	positions, err := r.store.ActivePositions()
	if err != nil {
		return fmt.Errorf("reconcile: active positions: %w", err)
	}

	var flagged, autoClosed int
	for _, pos := range positions {
		trade, err := r.store.GetTrade(pos.TradeUUID)
		if err != nil {
			r.log.Error("reconcile: trade lookup failed", "trade_uuid", pos.TradeUUID, "error", err)
			continue
		}

		if ok, err := r.verifyEntry(ctx, trade); err != nil {
			r.log.Error("reconcile: entry verification failed", "trade_uuid", trade.TradeUUID, "error", err)
		} else if ok {
			flagged++
		}

		if pos.State == store.PositionExiting {
			closed, err := r.tryAutoCloseExiting(ctx, trade, pos)
			if err != nil {
				r.log.Error("reconcile: auto-close check failed", "trade_uuid", trade.TradeUUID, "error", err)
			} else if closed {
				autoClosed++
			}
		}
	}

	r.log.Info("reconciliation sweep complete", "positions_checked", len(positions), "discrepancies_flagged", flagged, "auto_closed", autoClosed)
	return nil
}

// verifyEntry checks a trade's recorded entry signature against chain
// truth, appending a MISSING_TX or AMOUNT_MISMATCH discrepancy and
// returning true when one was raised. It never mutates trade or
// position state itself -- per spec.md §4.11/A10, only EXITING->CLOSED
// auto-resolves.
func (r *Reconciler) verifyEntry(ctx context.Context, trade *store.Trade) (bool, error) {
	if trade.TxSignature == "" {
		return false, nil
	}

	landed, err := r.chain.TransactionLanded(ctx, trade.TxSignature)
	if err != nil {
		return false, fmt.Errorf("transaction landed check: %w", err)
	}
	if !landed {
		if err := r.store.AppendDiscrepancy(&store.ReconciliationDiscrepancy{
			TradeUUID: trade.TradeUUID,
			Kind:      store.DiscrepancyMissingTx,
			Detail:    fmt.Sprintf("recorded signature %s not found confirmed on chain", trade.TxSignature),
		}); err != nil {
			return false, fmt.Errorf("append missing-tx discrepancy: %w", err)
		}
		if r.oracle != nil {
			r.oracle.Invalidate(trade.Token)
		}
		return true, nil
	}

	executed, err := r.chain.ExecutedAmount(ctx, trade.TxSignature)
	if err != nil {
		return false, fmt.Errorf("executed amount check: %w", err)
	}
	if amountMismatch(trade.Amount, executed, r.cfg.AmountMismatchToleranceBps) {
		if err := r.store.AppendDiscrepancy(&store.ReconciliationDiscrepancy{
			TradeUUID: trade.TradeUUID,
			Kind:      store.DiscrepancyAmountMismatch,
			Detail:    fmt.Sprintf("recorded amount %d, on-chain amount %d", trade.Amount, executed),
		}); err != nil {
			return false, fmt.Errorf("append amount-mismatch discrepancy: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// tryAutoCloseExiting closes a position stuck in EXITING when the
// wallet's on-chain balance of the token shows it has already been
// fully divested -- the one automatic chain->DB state change this
// loop is permitted to make (A10). A non-zero remaining balance is
// left alone; it is not yet evidence of anything wrong, only that the
// exit genuinely has not completed.
func (r *Reconciler) tryAutoCloseExiting(ctx context.Context, trade *store.Trade, pos *store.Position) (bool, error) {
	balance, err := r.chain.TokenBalance(ctx, trade.WalletAddress, trade.Token)
	if err != nil {
		return false, fmt.Errorf("token balance check: %w", err)
	}
	if balance > 0 {
		return false, nil
	}

	if err := r.store.AdvancePosition(trade.TradeUUID, store.PositionClosed, nil, nil); err != nil {
		return false, fmt.Errorf("advance position to closed: %w", err)
	}
	r.log.Info("auto-closed fully-divested position", "trade_uuid", trade.TradeUUID, "resolver", "AUTO")
	return true, nil
}

func amountMismatch(recorded, executed money.Amount, toleranceBps int64) bool {
	if recorded == 0 {
		return executed != 0
	}
	diff := recorded - executed
	if diff < 0 {
		diff = -diff
	}
	allowed := money.Amount(int64(recorded) * toleranceBps / 10000)
	if allowed < 0 {
		allowed = -allowed
	}
	return diff > allowed
}
