// Package main provides operatord, the copy-trading execution daemon:
// it ingests signed trade signals, classifies and routes them through
// the Shield/Spear/Exit strategy engines, gates every entry through
// the token safety oracle and the circuit-breaker supervisor, and
// exposes the resulting state over the operator-facing control API.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/chainrpc"
	"github.com/klingon-exchange/operatord/internal/config"
	"github.com/klingon-exchange/operatord/internal/ingress"
	"github.com/klingon-exchange/operatord/internal/queue"
	"github.com/klingon-exchange/operatord/internal/reconcile"
	"github.com/klingon-exchange/operatord/internal/roster"
	"github.com/klingon-exchange/operatord/internal/rpcapi"
	"github.com/klingon-exchange/operatord/internal/router"
	"github.com/klingon-exchange/operatord/internal/safety"
	"github.com/klingon-exchange/operatord/internal/secrets"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/internal/strategy"
	"github.com/klingon-exchange/operatord/internal/supervisor"
	"github.com/klingon-exchange/operatord/internal/vault"
	"github.com/klingon-exchange/operatord/pkg/helpers"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// kindAPIJWT is a local secrets.Kind (secrets.Manager keys are plain
// strings) for the HMAC secret operator-API bearer tokens are signed
// with -- kept separate from the ingress MAC and upstream API secrets
// so rotating one never invalidates the others.
const kindAPIJWT secrets.Kind = "api_jwt"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.operatord", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "Operator API address, overrides config")
		ingressAddr = flag.String("ingress", "", "Signal ingress address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("operatord %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadOrCreate(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *ingressAddr != "" {
		cfg.IngressAddr = *ingressAddr
	}
	cfg.LogLevel = *logLevel
	cfg.DataDir = effectiveDataDir

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir), "paper_trade", cfg.PaperTrade)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(&store.Config{DataDir: effectiveDataDir})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer st.Close()
	log.Info("store initialized", "path", effectiveDataDir)

	passphrase := os.Getenv("OPERATORD_VAULT_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("OPERATORD_VAULT_PASSPHRASE must be set to unlock the trading vault")
	}
	v := vault.New(filepath.Join(effectiveDataDir, "vault.sealed"))
	if v.Exists() {
		if err := v.Unlock(passphrase); err != nil {
			log.Fatal("failed to unlock vault", "error", err)
		}
	} else {
		mnemonic, pub, err := v.GenerateAndSeal(passphrase)
		if err != nil {
			log.Fatal("failed to generate trading keypair", "error", err)
		}
		log.Warn("generated a new trading keypair -- record this mnemonic offline, it is never shown again")
		log.Warn("mnemonic", "value", mnemonic)
		log.Info("trading public key", "value", helpers.BytesToHex(pub))
	}

	sealKey := sha256.Sum256([]byte("operatord-secrets-seal:" + passphrase))
	secretsMgr, err := secrets.New(effectiveDataDir, sealKey)
	if err != nil {
		log.Fatal("failed to initialize secrets manager", "error", err)
	}
	if err := secretsMgr.Bootstrap(secrets.KindIngressMAC, 32); err != nil {
		log.Fatal("failed to bootstrap ingress MAC secret", "error", err)
	}
	if err := secretsMgr.Bootstrap(kindAPIJWT, 32); err != nil {
		log.Fatal("failed to bootstrap operator API signing secret", "error", err)
	}
	jwtSecret, err := secretsMgr.Current(kindAPIJWT)
	if err != nil {
		log.Fatal("failed to read operator API signing secret", "error", err)
	}

	rr, err := roster.New(st)
	if err != nil {
		log.Fatal("failed to initialize wallet roster", "error", err)
	}
	log.Info("wallet roster loaded", "active_wallets", rr.Count())

	q := queue.New(cfg.Queue.Capacity, cfg.Queue.ShedThreshold())

	ingressSrv := ingress.New(ingress.Config{
		Addr:           cfg.IngressAddr,
		TimestampSkew:  cfg.Ingress.TimestampSkew,
		ReplayWindow:   cfg.Ingress.ReplayWindow,
		RateLimitRPS:   cfg.Ingress.RateLimitRPS,
		RateLimitBurst: cfg.Ingress.RateLimitBurst,
	}, secretsMgr, st, q)
	if err := ingressSrv.Start(); err != nil {
		log.Fatal("failed to start ingress server", "error", err)
	}
	defer ingressSrv.Stop()
	log.Info("ingress server started", "addr", cfg.IngressAddr)

	// bundle.Builder holds a single chain client for quote, submit,
	// status, and tip-percentile lookups, so quoteClient is configured
	// against the aggregator/relay endpoint that serves all four; the
	// node client below is a separate endpoint used only for the
	// read-only account/transaction lookups safety and reconciliation need.
	quoteClient := chainrpc.New(cfg.Chain.QuoteEndpoint, cfg.Chain.APIKey, cfg.Chain.RequestTimeout)
	nodeClient := chainrpc.New(cfg.Chain.NodeRPCEndpoint, cfg.Chain.APIKey, cfg.Chain.RequestTimeout)
	adapter := newChainAdapter(quoteClient, nodeClient, cfg.QuoteToken)

	oracle, err := safety.New(safety.Config{
		MinLiqShieldUSD:        cfg.TokenSafety.MinLiqShieldUSD,
		MinLiqSpearUSD:         cfg.TokenSafety.MinLiqSpearUSD,
		FreezeAuthorityWhitelist: cfg.TokenSafety.FreezeAuthorityWhitelist,
		MintAuthorityWhitelist:   cfg.TokenSafety.MintAuthorityWhitelist,
		HoneypotSimulation:       cfg.TokenSafety.HoneypotSimulation,
		CacheCapacity:            cfg.TokenSafety.CacheCapacity,
		CacheTTLSeconds:          cfg.TokenSafety.CacheTTLSeconds,
		HolderConcentrationMax:   cfg.TokenSafety.HolderConcentrationMax,
	}, adapter)
	if err != nil {
		log.Fatal("failed to initialize token safety oracle", "error", err)
	}

	bundleBuilder := bundle.New(bundle.Config{
		ExitTip:        cfg.Bundle.ExitTip,
		ConsensusTip:   cfg.Bundle.ConsensusTip,
		StandardTip:    cfg.Bundle.StandardTip,
		TipFloor:       cfg.Bundle.TipFloor,
		TipCeiling:     cfg.Bundle.TipCeiling,
		TipPercentile:  cfg.Bundle.TipPercentile,
		TipPercentMax:  cfg.Bundle.TipPercentMax,
		ConfirmTimeout: cfg.Bundle.ConfirmTimeout,
		MaxRetries:     cfg.Bundle.MaxRetries,
		PaperTrade:     cfg.PaperTrade,
	}, quoteClient, paperOnlyAssembler{}, v, st)

	sizing := strategy.SizingConfig{
		BaseSize:               cfg.PositionSizing.BaseSize,
		MaxSize:                cfg.PositionSizing.MaxSize,
		MinSize:                cfg.PositionSizing.MinSize,
		ConsensusMultiplier:    cfg.PositionSizing.ConsensusMultiplier,
		ConsensusMultiplierCap: cfg.PositionSizing.ConsensusMultiplierCap,
		MaxConcurrentPositions: cfg.PositionSizing.MaxConcurrentPositions,
		SpearKellyFraction:     cfg.PositionSizing.SpearKellyFraction,
	}
	profit := strategy.ProfitConfig{
		ShieldTargetsPercent:      cfg.ProfitManagement.ShieldTargetsPercent,
		ShieldTieredExitFraction:  cfg.ProfitManagement.ShieldTieredExitFraction,
		SpearTargetsPercent:       cfg.ProfitManagement.SpearTargetsPercent,
		SpearTieredExitFraction:   cfg.ProfitManagement.SpearTieredExitFraction,
		TrailingStopActivationPct: cfg.ProfitManagement.TrailingStopActivationPct,
		TrailingStopDistancePct:   cfg.ProfitManagement.TrailingStopDistancePct,
		HardStopLossPercent:       cfg.ProfitManagement.HardStopLossPercent,
		TimeExitHours:             cfg.ProfitManagement.TimeExitHours,
	}

	shieldEngine := strategy.NewShieldEngine(sizing, profit, oracle, bundleBuilder, st, adapter, cfg.QuoteToken, cfg.Bundle.RevertCooldown)
	spearEngine := strategy.NewSpearEngine(sizing, profit, oracle, bundleBuilder, st, adapter, cfg.QuoteToken, cfg.Bundle.RevertCooldown)
	exitEngine := strategy.NewExitEngine(bundleBuilder, st, cfg.QuoteToken)

	rt := router.New(q, rr, st, router.ConsensusConfig{
		WindowSeconds:   cfg.Consensus.WindowSeconds,
		HalfLifeSeconds: cfg.Consensus.HalfLifeSeconds,
		Threshold:       cfg.Consensus.Threshold,
	}, shieldEngine, spearEngine, exitEngine)

	sup := supervisor.New(supervisor.Config{
		MaxLoss24h:         cfg.CircuitBreakers.MaxLoss24h,
		MaxConsecutiveLoss: cfg.CircuitBreakers.MaxConsecutiveLoss,
		MaxDrawdownPercent: cfg.CircuitBreakers.MaxDrawdownPercent,
		CoolDownMinutes:    cfg.CircuitBreakers.CoolDownMinutes,
	}, st)
	rt.SetTradingGate(sup)

	recon := reconcile.New(reconcile.Config{
		Interval:                   cfg.Reconciliation.Interval,
		AmountMismatchToleranceBps: cfg.Reconciliation.AmountMismatchToleranceBps,
	}, st, adapter, oracle)

	cfgStore := config.NewStore(cfg, config.ConfigPath(effectiveDataDir))
	auth := rpcapi.NewAuthenticator(jwtSecret)
	apiSrv := rpcapi.New(auth, st, cfgStore, q, rr, sup, recon, adapter)
	bundleBuilder.SetMetrics(apiSrv.BundleMetrics())

	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("router stopped unexpectedly", "error", err)
		}
	}()
	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("supervisor stopped unexpectedly", "error", err)
		}
	}()
	go func() {
		if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reconciliation loop stopped unexpectedly", "error", err)
		}
	}()
	go sweepExpiredWallets(ctx, rr, log)
	go monitorPositions(ctx, shieldEngine, spearEngine, log)

	if err := apiSrv.Start(cfg.APIAddr); err != nil {
		log.Fatal("failed to start operator API", "error", err)
	}

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	if err := apiSrv.Stop(); err != nil {
		log.Error("error stopping operator API", "error", err)
	}
	if err := ingressSrv.Stop(); err != nil {
		log.Error("error stopping ingress server", "error", err)
	}
	v.Lock()
	log.Info("goodbye")
}

// sweepExpiredWallets periodically demotes roster entries whose
// promotion window has lapsed -- the same fixed-cadence ticker shape
// supervisor.Run and reconcile.Run use.
func sweepExpiredWallets(ctx context.Context, rr *roster.Registry, log *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			demoted, err := rr.SweepExpired()
			if err != nil {
				log.Error("wallet roster sweep failed", "error", err)
				continue
			}
			if len(demoted) > 0 {
				log.Info("demoted expired wallets", "count", len(demoted))
			}
		}
	}
}

// monitorPositions drives both engines' exit evaluation on a fixed
// cadence; the monitor loop itself lives in internal/strategy, this
// is only the ticker that invokes it, kept here rather than inside
// router since exit checks run independent of signal ingress.
func monitorPositions(ctx context.Context, shield *strategy.ShieldEngine, spear *strategy.SpearEngine, log *logging.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := shield.MonitorOnce(ctx); err != nil {
				log.Error("shield position monitor failed", "error", err)
			}
			if err := spear.MonitorOnce(ctx); err != nil {
				log.Error("spear position monitor failed", "error", err)
			}
		}
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	mode := "LIVE"
	if cfg.PaperTrade {
		mode = "PAPER TRADE"
	}
	log.Info("")
	log.Info("=================================================")
	log.Infof("  operatord (%s)", mode)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Infof("  Operator API: http://%s", cfg.APIAddr)
	log.Infof("  WS:           ws://%s/ws", cfg.APIAddr)
	log.Infof("  Ingress:      http://%s", cfg.IngressAddr)
	log.Info("=================================================")
	log.Info("")
}
