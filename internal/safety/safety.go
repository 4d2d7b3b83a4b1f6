// Package safety implements the Token Safety Oracle (spec.md §4.7): a
// short-TTL, capacity-bounded gate that every Shield and Spear entry
// must clear before a bundle is built. ChainReader is the oracle's
// only external dependency -- a read-only view-call surface modeled
// on internal/contracts/htlc/client.go's bind.CallOpts-with-context
// idiom for querying on-chain state without a write path.
package safety

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// Strategy distinguishes the stricter Shield checks (holder
// concentration applies) from Spear's looser liquidity floor.
type Strategy string

const (
	StrategyShield Strategy = "SHIELD"
	StrategySpear  Strategy = "SPEAR"
)

// TokenMeta is the subset of on-chain token state the oracle checks
// against the freeze/mint whitelist.
type TokenMeta struct {
	FreezeAuthority string // empty means null/revoked
	MintAuthority   string // empty means null/revoked
}

// SimResult is the outcome of a simulated buy+sell round trip.
type SimResult struct {
	SellSucceeded  bool
	BuySlippageBps int
	TransferTaxBps int
}

// ChainReader is the read-only on-chain query surface the oracle
// drives. A production implementation wraps an RPC client the way
// internal/contracts/htlc.Client wraps bind.CallOpts; simulation and
// metadata calls never submit a transaction.
type ChainReader interface {
	TokenMeta(ctx context.Context, token string) (TokenMeta, error)
	LiquidityUSD(ctx context.Context, token string) (money.Amount, error)
	HolderConcentration(ctx context.Context, token string) (float64, error)
	SimulateRoundTrip(ctx context.Context, token string, amount money.Amount) (SimResult, error)
}

// Config mirrors internal/config.TokenSafetyConfig; declared locally
// so this package doesn't import internal/config.
type Config struct {
	MinLiqShieldUSD          money.Amount
	MinLiqSpearUSD            money.Amount
	FreezeAuthorityWhitelist  []string
	MintAuthorityWhitelist    []string
	HoneypotSimulation        bool
	CacheCapacity             int
	CacheTTLSeconds           int
	HolderConcentrationMax    float64

	MaxBuySlippageBps  int
	MaxTransferTaxBps  int
}

// Verdict is the oracle's pass/fail decision for one evaluation, with
// the reason for a fail.
type Verdict struct {
	Token   string
	Passed  bool
	Reason  string
	EvalAt  time.Time
}

type cacheEntry struct {
	verdict Verdict
	expiry  time.Time
}

// Oracle evaluates tokens against the checks in spec.md §4.7, caching
// a verdict per token for CacheTTLSeconds and LRU-evicting at
// CacheCapacity so a token re-evaluated within its TTL never performs
// external I/O.
type Oracle struct {
	cfg   Config
	chain ChainReader
	cache *lru.Cache[string, cacheEntry]
	log   *logging.Logger
}

// New constructs an Oracle. A cfg.CacheCapacity of zero or less is
// treated as 1.
func New(cfg Config, chain ChainReader) (*Oracle, error) {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 1
	}
	c, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("safety: new cache: %w", err)
	}
	return &Oracle{
		cfg:   cfg,
		chain: chain,
		cache: c,
		log:   logging.GetDefault().Component("safety"),
	}, nil
}

// Evaluate runs the token through every applicable check for strategy,
// returning a cached verdict if one is still within TTL.
func (o *Oracle) Evaluate(ctx context.Context, token string, amount money.Amount, strategy Strategy) (Verdict, error) {
	key := cacheKey(token, strategy)
	if v, ok := o.lookupFresh(key); ok {
		return v, nil
	}

	verdict, err := o.evaluateFresh(ctx, token, amount, strategy)
	if err != nil {
		return Verdict{}, err
	}

	o.cache.Add(key, cacheEntry{
		verdict: verdict,
		expiry:  time.Now().Add(time.Duration(o.cfg.CacheTTLSeconds) * time.Second),
	})
	return verdict, nil
}

func (o *Oracle) lookupFresh(key string) (Verdict, bool) {
	entry, ok := o.cache.Get(key)
	if !ok {
		return Verdict{}, false
	}
	if time.Now().After(entry.expiry) {
		o.cache.Remove(key)
		return Verdict{}, false
	}
	return entry.verdict, true
}

func (o *Oracle) evaluateFresh(ctx context.Context, token string, amount money.Amount, strategy Strategy) (Verdict, error) {
	now := time.Now()
	reject := func(reason string) (Verdict, error) {
		o.log.Warn("token rejected", "token", token, "strategy", strategy, "reason", reason)
		return Verdict{Token: token, Passed: false, Reason: reason, EvalAt: now}, nil
	}

	liq, err := o.chain.LiquidityUSD(ctx, token)
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: liquidity lookup: %w", err)
	}
	if liq < o.liquidityFloor(strategy) {
		return reject("liquidity below floor")
	}

	meta, err := o.chain.TokenMeta(ctx, token)
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: token meta lookup: %w", err)
	}
	if meta.FreezeAuthority != "" && !contains(o.cfg.FreezeAuthorityWhitelist, meta.FreezeAuthority) {
		return reject("freeze authority not null or whitelisted")
	}
	if meta.MintAuthority != "" && !contains(o.cfg.MintAuthorityWhitelist, meta.MintAuthority) {
		return reject("mint authority not null or whitelisted")
	}

	if strategy == StrategyShield {
		conc, err := o.chain.HolderConcentration(ctx, token)
		if err != nil {
			return Verdict{}, fmt.Errorf("safety: holder concentration lookup: %w", err)
		}
		if conc >= o.cfg.HolderConcentrationMax {
			return reject("holder concentration exceeds shield ceiling")
		}
	}

	if o.cfg.HoneypotSimulation {
		sim, err := o.chain.SimulateRoundTrip(ctx, token, amount)
		if err != nil {
			return Verdict{}, fmt.Errorf("safety: round-trip simulation: %w", err)
		}
		if !sim.SellSucceeded {
			return reject("simulated sell failed")
		}
		if o.cfg.MaxBuySlippageBps > 0 && sim.BuySlippageBps > o.cfg.MaxBuySlippageBps {
			return reject("simulated buy slippage exceeds quote")
		}
		if o.cfg.MaxTransferTaxBps > 0 && sim.TransferTaxBps > o.cfg.MaxTransferTaxBps {
			return reject("non-standard transfer tax detected")
		}
	}

	return Verdict{Token: token, Passed: true, Reason: "", EvalAt: now}, nil
}

func (o *Oracle) liquidityFloor(strategy Strategy) money.Amount {
	if strategy == StrategyShield {
		return o.cfg.MinLiqShieldUSD
	}
	return o.cfg.MinLiqSpearUSD
}

// Invalidate drops any cached verdict for token across both strategy
// lanes, used when a reconciliation or roster event makes a cached
// pass stale before its TTL.
func (o *Oracle) Invalidate(token string) {
	o.cache.Remove(cacheKey(token, StrategyShield))
	o.cache.Remove(cacheKey(token, StrategySpear))
}

// MarkReverted installs a synthetic failing verdict for token across
// both strategy lanes for cooldown, overriding any cached pass.
// Resolves spec.md §9's open question on LANDED_REVERTED handling: a
// bundle that lands reverted blocks new entries into that token until
// cooldown elapses, tracked here rather than as a second cache so the
// ordinary TTL-expiry path (lookupFresh) needs no special case for it.
func (o *Oracle) MarkReverted(token string, cooldown time.Duration) {
	entry := cacheEntry{
		verdict: Verdict{Token: token, Passed: false, Reason: "recent bundle landed reverted", EvalAt: time.Now()},
		expiry:  time.Now().Add(cooldown),
	}
	o.cache.Add(cacheKey(token, StrategyShield), entry)
	o.cache.Add(cacheKey(token, StrategySpear), entry)
}

func cacheKey(token string, strategy Strategy) string {
	return string(strategy) + ":" + token
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
