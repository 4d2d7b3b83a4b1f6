// Package config provides the centralized, hot-reloadable configuration
// for the copy-trading operator. Every tunable named in the external
// configuration surface lives here as a typed field with a sane
// default; nothing is read from ad-hoc environment variables deep in
// a package.
package config

import (
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

// =============================================================================
// Circuit breaker
// =============================================================================

// CircuitBreakerConfig holds the supervisor's trip thresholds.
type CircuitBreakerConfig struct {
	MaxLoss24h          money.Amount
	MaxConsecutiveLoss  int
	MaxDrawdownPercent  float64
	CoolDownMinutes     int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxLoss24h:         money.Amount(5_000_000_000), // 5 SOL-equivalent minor units
		MaxConsecutiveLoss: 5,
		MaxDrawdownPercent: 20.0,
		CoolDownMinutes:    60,
	}
}

// =============================================================================
// Strategy allocation
// =============================================================================

// StrategyAllocationConfig must sum to 100; it reports the target
// capital split between the two lanes (spec.md §6), which each
// incoming signal's own `strategy` attribute already names -- this
// config does not participate in the routing decision.
type StrategyAllocationConfig struct {
	ShieldPercent int
	SpearPercent  int
}

func DefaultStrategyAllocationConfig() StrategyAllocationConfig {
	return StrategyAllocationConfig{ShieldPercent: 70, SpearPercent: 30}
}

func (c StrategyAllocationConfig) Validate() error {
	if c.ShieldPercent+c.SpearPercent != 100 {
		return fmt.Errorf("strategy_allocation: shield_percent + spear_percent = %d, want 100",
			c.ShieldPercent+c.SpearPercent)
	}
	return nil
}

// =============================================================================
// Position sizing
// =============================================================================

// PositionSizingConfig governs both Shield's consensus-multiplier sizing
// and Spear's fractional-Kelly sizing.
type PositionSizingConfig struct {
	BaseSize               money.Amount
	MaxSize                money.Amount
	MinSize                money.Amount
	ConsensusMultiplier    float64
	ConsensusMultiplierCap int
	MaxConcurrentPositions int
	SpearKellyFraction     float64 // quarter-Kelly default, see SPEC_FULL §Open Questions
}

func DefaultPositionSizingConfig() PositionSizingConfig {
	return PositionSizingConfig{
		BaseSize:               money.Amount(100_000_000),
		MaxSize:                money.Amount(2_000_000_000),
		MinSize:                money.Amount(10_000_000),
		ConsensusMultiplier:    1.35,
		ConsensusMultiplierCap: 4,
		MaxConcurrentPositions: 25,
		SpearKellyFraction:     0.25,
	}
}

// =============================================================================
// Profit management
// =============================================================================

// ProfitManagementConfig holds tiered take-profit targets and stop rules
// shared in skeleton by Shield and Spear (each engine supplies its own
// target vector; this struct is the generic container).
type ProfitManagementConfig struct {
	ShieldTargetsPercent      []float64
	ShieldTieredExitFraction  float64
	SpearTargetsPercent       []float64
	SpearTieredExitFraction   float64
	TrailingStopActivationPct float64
	TrailingStopDistancePct   float64
	HardStopLossPercent       float64
	TimeExitHours             float64
}

func DefaultProfitManagementConfig() ProfitManagementConfig {
	return ProfitManagementConfig{
		ShieldTargetsPercent:      []float64{25, 50, 100, 200},
		ShieldTieredExitFraction:  0.25,
		SpearTargetsPercent:       []float64{100, 300, 1000},
		SpearTieredExitFraction:   0.20,
		TrailingStopActivationPct: 50,
		TrailingStopDistancePct:   25,
		HardStopLossPercent:       -35,
		TimeExitHours:             48,
	}
}

// =============================================================================
// Bundle / tipping
// =============================================================================

// TipClass modifies the floor/percentile used to size a bundle tip.
type TipClass string

const (
	TipClassExit      TipClass = "EXIT"
	TipClassConsensus TipClass = "CONSENSUS"
	TipClassStandard  TipClass = "STANDARD"
)

type BundleConfig struct {
	AlwaysUse       bool
	ExitTip         money.Amount
	ConsensusTip    money.Amount
	StandardTip     money.Amount
	TipFloor        money.Amount
	TipCeiling      money.Amount
	TipPercentile   float64 // e.g. 0.65 for P65
	TipPercentMax   float64 // alpha: tip <= alpha * amount
	ConfirmTimeout  time.Duration
	MaxRetries      int
	RevertCooldown  time.Duration
}

func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		AlwaysUse:      true,
		ExitTip:        money.Amount(2_000_000),
		ConsensusTip:   money.Amount(1_200_000),
		StandardTip:    money.Amount(500_000),
		TipFloor:       money.Amount(100_000),
		TipCeiling:     money.Amount(50_000_000),
		TipPercentile:  0.65,
		TipPercentMax:  0.01,
		ConfirmTimeout: 30 * time.Second,
		MaxRetries:     3,
		RevertCooldown: 60 * time.Minute,
	}
}

// FloorFor returns the per-class floor override.
func (c BundleConfig) FloorFor(class TipClass) money.Amount {
	switch class {
	case TipClassExit:
		return c.ExitTip
	case TipClassConsensus:
		return c.ConsensusTip
	default:
		return c.StandardTip
	}
}

// =============================================================================
// Token safety
// =============================================================================

type TokenSafetyConfig struct {
	MinLiqShieldUSD        money.Amount
	MinLiqSpearUSD         money.Amount
	FreezeAuthorityWhitelist []string
	MintAuthorityWhitelist   []string
	HoneypotSimulation       bool
	CacheCapacity            int
	CacheTTLSeconds          int
	HolderConcentrationMax   float64 // Shield only
}

func DefaultTokenSafetyConfig() TokenSafetyConfig {
	return TokenSafetyConfig{
		MinLiqShieldUSD:        money.Amount(50_000_00), // $50,000.00 in cents
		MinLiqSpearUSD:         money.Amount(15_000_00),
		FreezeAuthorityWhitelist: nil,
		MintAuthorityWhitelist:   nil,
		HoneypotSimulation:       true,
		CacheCapacity:            2048,
		CacheTTLSeconds:          30,
		HolderConcentrationMax:   0.35,
	}
}

// =============================================================================
// Queue
// =============================================================================

type QueueConfig struct {
	Capacity                 int
	LoadShedThresholdPercent int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Capacity: 1000, LoadShedThresholdPercent: 80}
}

// ShedThreshold returns the absolute depth at which SPEAR admission stops.
func (c QueueConfig) ShedThreshold() int {
	return (c.Capacity * c.LoadShedThresholdPercent) / 100
}

// =============================================================================
// Secrets
// =============================================================================

type SecretsConfig struct {
	MACRotationDays       int
	UpstreamRotationDays  int
	GraceWindow           time.Duration
}

func DefaultSecretsConfig() SecretsConfig {
	return SecretsConfig{
		MACRotationDays:      30,
		UpstreamRotationDays: 90,
		GraceWindow:          24 * time.Hour,
	}
}

// =============================================================================
// Ingress
// =============================================================================

type IngressConfig struct {
	TimestampSkew    time.Duration
	ReplayWindow     time.Duration
	DeadLetterTTL    time.Duration
	RateLimitRPS     float64
	RateLimitBurst   int
}

func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		TimestampSkew:  300 * time.Second,
		ReplayWindow:   10 * time.Minute,
		DeadLetterTTL:  30 * 24 * time.Hour,
		RateLimitRPS:   100,
		RateLimitBurst: 200,
	}
}

// =============================================================================
// Consensus window
// =============================================================================

type ConsensusConfig struct {
	WindowSeconds   int
	HalfLifeSeconds float64
	Threshold       float64 // K
}

func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{WindowSeconds: 90, HalfLifeSeconds: 45, Threshold: 2.0}
}

// =============================================================================
// Reconciliation
// =============================================================================

// ReconciliationConfig governs the on-chain-truth reconciliation
// sweep (spec.md §4.11).
type ReconciliationConfig struct {
	Interval                  time.Duration
	AmountMismatchToleranceBps int64
}

func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{Interval: 24 * time.Hour, AmountMismatchToleranceBps: 50}
}

// =============================================================================
// Chain connectivity
// =============================================================================

// ChainConfig addresses the external RPC surfaces the daemon talks
// to: the swap-route aggregator and bundle/auction relay, and a
// regular chain node for read-only account/transaction lookups.
// cmd/operatord sends quote and bundle calls to QuoteEndpoint and
// node reads to NodeRPCEndpoint; it does not read BundleRelayEndpoint.
type ChainConfig struct {
	QuoteEndpoint       string
	BundleRelayEndpoint string
	NodeRPCEndpoint     string
	APIKey              string
	RequestTimeout      time.Duration
}

func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		QuoteEndpoint:       "https://quote-api.jup.ag/v6",
		BundleRelayEndpoint: "https://mainnet.block-engine.jito.wtf/api/v1/bundles",
		NodeRPCEndpoint:     "https://api.mainnet-beta.solana.com",
		RequestTimeout:      10 * time.Second,
	}
}

// =============================================================================
// Root config
// =============================================================================

// Config is the complete, hot-reloadable configuration snapshot. It is
// always read and replaced as a whole via internal/config.Store's
// atomic pointer, never mutated field-by-field in place.
type Config struct {
	DataDir            string
	APIAddr            string
	IngressAddr        string
	LogLevel           string
	PaperTrade         bool
	QuoteToken         string // mint every sizing/exit calculation denominates against

	CircuitBreakers    CircuitBreakerConfig
	StrategyAllocation StrategyAllocationConfig
	PositionSizing     PositionSizingConfig
	ProfitManagement   ProfitManagementConfig
	Bundle             BundleConfig
	TokenSafety        TokenSafetyConfig
	Queue              QueueConfig
	Secrets            SecretsConfig
	Ingress            IngressConfig
	Consensus          ConsensusConfig
	Reconciliation     ReconciliationConfig
	Chain              ChainConfig
}

// Default returns a complete configuration with every section at its
// documented default, analogous to the teacher's NewExchangeConfig.
func Default() *Config {
	return &Config{
		DataDir:            "~/.operatord",
		APIAddr:            "127.0.0.1:8090",
		IngressAddr:        "127.0.0.1:8091",
		LogLevel:           "info",
		PaperTrade:         true,
		QuoteToken:         "So11111111111111111111111111111111111111112",
		CircuitBreakers:    DefaultCircuitBreakerConfig(),
		StrategyAllocation: DefaultStrategyAllocationConfig(),
		PositionSizing:     DefaultPositionSizingConfig(),
		ProfitManagement:   DefaultProfitManagementConfig(),
		Bundle:             DefaultBundleConfig(),
		TokenSafety:        DefaultTokenSafetyConfig(),
		Queue:              DefaultQueueConfig(),
		Secrets:            DefaultSecretsConfig(),
		Ingress:            DefaultIngressConfig(),
		Consensus:          DefaultConsensusConfig(),
		Reconciliation:     DefaultReconciliationConfig(),
		Chain:              DefaultChainConfig(),
	}
}

// Validate checks the sections with cross-field invariants.
func (c *Config) Validate() error {
	if err := c.StrategyAllocation.Validate(); err != nil {
		return err
	}
	if c.PositionSizing.MinSize > c.PositionSizing.MaxSize {
		return fmt.Errorf("position_sizing: min_size > max_size")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue: capacity must be positive")
	}
	if c.Queue.LoadShedThresholdPercent <= 0 || c.Queue.LoadShedThresholdPercent > 100 {
		return fmt.Errorf("queue: load_shed_threshold_percent out of range")
	}
	return nil
}

// Clone performs a deep-enough copy for the atomic-swap hot-reload
// pattern: slice fields are copied so a caller mutating its working
// copy never reaches back into the published snapshot.
func (c *Config) Clone() *Config {
	cp := *c
	cp.ProfitManagement.ShieldTargetsPercent = append([]float64(nil), c.ProfitManagement.ShieldTargetsPercent...)
	cp.ProfitManagement.SpearTargetsPercent = append([]float64(nil), c.ProfitManagement.SpearTargetsPercent...)
	cp.TokenSafety.FreezeAuthorityWhitelist = append([]string(nil), c.TokenSafety.FreezeAuthorityWhitelist...)
	cp.TokenSafety.MintAuthorityWhitelist = append([]string(nil), c.TokenSafety.MintAuthorityWhitelist...)
	return &cp
}
