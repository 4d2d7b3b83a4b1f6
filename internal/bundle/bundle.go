// Package bundle implements the Atomic Bundle Builder & Submitter
// (spec.md §4.6): quote, assemble, tip, sign, submit, and confirm a
// sized trade decision, with a paper-trade short-circuit and a
// tip-escalating retry ladder. The retry/backoff shape is adapted
// from internal/node/retry_worker.go's calculateNextRetry (capped
// exponential growth); here each step escalates the bundle's tip
// instead of the wait between deliveries, since a NOT_LANDED outcome
// means the chain never saw the transaction land, not that a peer was
// unreachable.
package bundle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/operatord/internal/chainrpc"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/reason"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// TipClass mirrors internal/config.TipClass.
type TipClass string

const (
	TipClassExit      TipClass = "EXIT"
	TipClassConsensus TipClass = "CONSENSUS"
	TipClassStandard  TipClass = "STANDARD"
)

// Config mirrors internal/config.BundleConfig; declared locally so
// this package doesn't import internal/config.
type Config struct {
	ExitTip        money.Amount
	ConsensusTip   money.Amount
	StandardTip    money.Amount
	TipFloor       money.Amount
	TipCeiling     money.Amount
	TipPercentile  float64
	TipPercentMax  float64
	ConfirmTimeout time.Duration
	MaxRetries     int
	PaperTrade     bool
}

func (c Config) floorFor(class TipClass) money.Amount {
	switch class {
	case TipClassExit:
		return c.ExitTip
	case TipClassConsensus:
		return c.ConsensusTip
	default:
		return c.StandardTip
	}
}

// Signer produces a trading-key signature over raw transaction bytes;
// satisfied by internal/vault.Vault.Sign.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Metrics receives tip and confirmation-latency observations for the
// Operator API's /metrics endpoint (spec.md §6: "bundle tip p50/p95",
// "confirmation latency p95"). Declared here rather than importing
// prometheus directly, the same narrow-seam shape as TradingGate in
// internal/router -- this package stays unaware that the observer is
// backed by a prometheus.Histogram.
type Metrics interface {
	ObserveTip(class TipClass, amountNative float64)
	ObserveConfirmLatency(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTip(TipClass, float64)   {}
func (noopMetrics) ObserveConfirmLatency(float64) {}

// TxAssembler turns a quote and a tip amount into the two
// transactions that make up a bundle. The real swap/tip instruction
// encoding is chain-specific and out of this package's scope; callers
// supply it so bundle stays chain-agnostic, the same separation of
// concerns the teacher draws between internal/swap (assembly) and
// internal/chain (submission).
type TxAssembler interface {
	Assemble(ctx context.Context, quote chainrpc.Quote, tip money.Amount) (swapTx, tipTx []byte, err error)
}

// Request is a sized trade decision ready for execution.
type Request struct {
	TradeUUID      string
	TokenIn        string
	TokenOut       string
	Amount         money.Amount
	MaxSlippageBps int
	TipClass       TipClass
}

// Outcome is the terminal result of Execute.
type Outcome struct {
	Landed         bool
	FailureReason  reason.Code
	TxSignature    string
	FillAmount     money.Amount
	EffectivePrice money.Rational
	TipPaid        money.Amount
	SlippageBps    int
	Attempts       int
}

// Builder drives the quote/assemble/tip/sign/submit/confirm pipeline.
type Builder struct {
	cfg       Config
	chain     *chainrpc.Client
	assembler TxAssembler
	signer    Signer
	store     *store.Store
	log       *logging.Logger
	metrics   Metrics

	mu         sync.Mutex
	quoteCache map[string]quoteCacheEntry
}

type quoteCacheEntry struct {
	quote  chainrpc.Quote
	bucket int64
}

// New constructs a Builder.
func New(cfg Config, chain *chainrpc.Client, assembler TxAssembler, signer Signer, st *store.Store) *Builder {
	return &Builder{
		cfg:        cfg,
		chain:      chain,
		assembler:  assembler,
		signer:     signer,
		store:      st,
		log:        logging.GetDefault().Component("bundle"),
		metrics:    noopMetrics{},
		quoteCache: make(map[string]quoteCacheEntry),
	}
}

// SetMetrics wires a Metrics observer. Optional, mirroring
// internal/router.Router.SetTradingGate: a Builder with none set
// simply records nothing.
func (b *Builder) SetMetrics(m Metrics) {
	b.metrics = m
}

// Execute runs the full pipeline for req and persists the result onto
// the trade row. In paper-trade mode, steps 3-5 are replaced by a
// deterministic simulated fill at the quoted price plus modeled
// slippage -- quoting itself still happens, so paper trades exercise
// the same safety and sizing path as live ones.
func (b *Builder) Execute(ctx context.Context, req Request) (Outcome, error) {
	quote, err := b.quote(ctx, req)
	if err != nil {
		b.recordFailure(req.TradeUUID, reason.QuoteFailure)
		return Outcome{FailureReason: reason.QuoteFailure}, fmt.Errorf("bundle: quote: %w", err)
	}

	if b.cfg.PaperTrade {
		return b.paperFill(req, quote), nil
	}

	tip := b.sizeTip(ctx, req.TipClass, req.Amount)

	var outcome Outcome
	maxRetries := b.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		outcome.Attempts = attempt + 1

		swapTx, tipTx, err := b.assembler.Assemble(ctx, quote, tip)
		if err != nil {
			b.recordFailure(req.TradeUUID, reason.BuildError)
			return Outcome{FailureReason: reason.BuildError, Attempts: outcome.Attempts},
				fmt.Errorf("bundle: assemble: %w", err)
		}

		signedSwap, err := b.signer.Sign(swapTx)
		if err != nil {
			b.recordFailure(req.TradeUUID, reason.BuildError)
			return Outcome{FailureReason: reason.BuildError, Attempts: outcome.Attempts},
				fmt.Errorf("bundle: sign: %w", err)
		}

		handle, err := b.chain.SubmitBundle(ctx, [][]byte{signedSwap, tipTx}, tip)
		if err != nil {
			b.recordFailure(req.TradeUUID, reason.BuildError)
			return Outcome{FailureReason: reason.BuildError, Attempts: outcome.Attempts},
				fmt.Errorf("bundle: submit: %w", err)
		}

		confirmStart := time.Now()
		status, confirmErr := b.confirm(ctx, handle)
		b.metrics.ObserveConfirmLatency(time.Since(confirmStart).Seconds())
		switch {
		case confirmErr != nil:
			b.recordFailure(req.TradeUUID, reason.ConfirmTimeout)
			return Outcome{FailureReason: reason.ConfirmTimeout, Attempts: outcome.Attempts}, confirmErr

		case status.State == chainrpc.BundleLanded:
			outcome.Landed = true
			outcome.TxSignature = status.TxSignature
			outcome.FillAmount = status.FillAmount
			outcome.EffectivePrice = status.EffectivePrice
			outcome.TipPaid = tip
			b.metrics.ObserveTip(req.TipClass, float64(tip))
			b.recordLanded(req.TradeUUID, &outcome)
			return outcome, nil

		case status.State == chainrpc.BundleReverted:
			b.recordFailure(req.TradeUUID, reason.LandedReverted)
			return Outcome{FailureReason: reason.LandedReverted, Attempts: outcome.Attempts},
				fmt.Errorf("bundle: %s", reason.LandedReverted)

		default: // BundlePending or BundleDropped: NOT_LANDED, retry with a fresh blockhash and escalated tip
			if attempt == maxRetries {
				b.recordFailure(req.TradeUUID, reason.MaxRetries)
				return Outcome{FailureReason: reason.MaxRetries, Attempts: outcome.Attempts},
					fmt.Errorf("bundle: %s after %d attempts", reason.MaxRetries, outcome.Attempts)
			}
			b.log.Warn("bundle did not land, retrying", "trade_uuid", req.TradeUUID, "attempt", attempt+1)
			tip = b.escalateTip(tip)
		}
	}

	return outcome, fmt.Errorf("bundle: %s", reason.MaxRetries)
}

// confirm polls the relay up to ConfirmTimeout for a terminal state.
func (b *Builder) confirm(ctx context.Context, handle chainrpc.BundleHandle) (chainrpc.BundleStatus, error) {
	timeout := b.cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := b.chain.GetBundleStatus(ctx, handle)
		if err != nil {
			return chainrpc.BundleStatus{}, fmt.Errorf("bundle: confirm poll: %w", err)
		}
		if status.State != chainrpc.BundlePending {
			return status, nil
		}
		if time.Now().After(deadline) {
			return chainrpc.BundleStatus{State: chainrpc.BundleDropped}, nil
		}
		select {
		case <-ctx.Done():
			return chainrpc.BundleStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// escalateTip doubles the tip, capped at TipCeiling -- the same
// capped-exponential shape as calculateNextRetry's interval backoff,
// applied to lamports instead of seconds.
func (b *Builder) escalateTip(tip money.Amount) money.Amount {
	escalated := tip * 2
	if b.cfg.TipCeiling > 0 && escalated > b.cfg.TipCeiling {
		return b.cfg.TipCeiling
	}
	return escalated
}

// sizeTip implements the percentile tip-sizing formula: tip =
// clamp(percentile(recent_tip_distribution, P), floor, min(ceiling, alpha*amount)).
func (b *Builder) sizeTip(ctx context.Context, class TipClass, amount money.Amount) money.Amount {
	floor := b.cfg.floorFor(class)

	percentileTip, err := b.chain.RecentTipPercentile(ctx, b.cfg.TipPercentile*100)
	if err != nil {
		b.log.Warn("recent tip percentile lookup failed, falling back to floor", "error", err)
		return floor
	}

	ceiling := b.cfg.TipCeiling
	if alphaCap := amount.ApplyBPS(money.BPS(b.cfg.TipPercentMax * 10000)); ceiling <= 0 || alphaCap < ceiling {
		ceiling = alphaCap
	}
	return money.Clamp(percentileTip, floor, ceiling)
}

func (b *Builder) quote(ctx context.Context, req Request) (chainrpc.Quote, error) {
	key := req.TokenIn + "/" + req.TokenOut
	bucket := time.Now().Unix() / 2

	b.mu.Lock()
	if cached, ok := b.quoteCache[key]; ok && cached.bucket == bucket {
		b.mu.Unlock()
		return cached.quote, nil
	}
	b.mu.Unlock()

	q, err := b.chain.Quote(ctx, chainrpc.QuoteRequest{
		TokenIn: req.TokenIn, TokenOut: req.TokenOut,
		Amount: req.Amount, MaxSlippageBps: req.MaxSlippageBps,
	})
	if err != nil {
		return chainrpc.Quote{}, err
	}

	b.mu.Lock()
	b.quoteCache[key] = quoteCacheEntry{quote: q, bucket: bucket}
	b.mu.Unlock()
	return q, nil
}

// paperFill produces a deterministic simulated fill: the quoted
// output amount, discounted by the quote's own modeled price impact,
// at zero tip.
func (b *Builder) paperFill(req Request, quote chainrpc.Quote) Outcome {
	filled := quote.OutAmount.ApplyBPS(money.BPS(10000 - quote.PriceImpactBps))
	outcome := Outcome{
		Landed:         true,
		TxSignature:    "paper-" + req.TradeUUID,
		FillAmount:     filled,
		EffectivePrice: money.Rational{Num: int64(filled), Den: int64(req.Amount)},
		TipPaid:        0,
		SlippageBps:    quote.SlippageBps,
		Attempts:       1,
	}
	b.recordLanded(req.TradeUUID, &outcome)
	return outcome
}

func (b *Builder) recordLanded(tradeUUID string, outcome *Outcome) {
	if err := b.store.SetTradeTxSignature(tradeUUID, outcome.TxSignature); err != nil {
		b.log.Error("failed to record tx signature", "trade_uuid", tradeUUID, "error", err)
	}
	if err := b.store.SetTradeStatus(tradeUUID, store.TradeExecuting, ""); err != nil {
		b.log.Error("failed to record trade status", "trade_uuid", tradeUUID, "error", err)
	}
}

func (b *Builder) recordFailure(tradeUUID string, code reason.Code) {
	if err := b.store.SetTradeStatus(tradeUUID, store.TradeFailed, string(code)); err != nil {
		b.log.Error("failed to record trade failure", "trade_uuid", tradeUUID, "error", err)
	}
}
