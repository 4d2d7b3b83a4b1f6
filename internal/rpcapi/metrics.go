package rpcapi

import (
	"net/http"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/queue"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the gauges and histograms the operator dashboard and
// any external scraper read from /metrics. Gauges are collected on
// demand inside handleMetrics rather than sampled on a ticker, so a
// slow scrape interval never produces a stale reading; the
// histograms, by contrast, are fed observations as bundles execute
// (see bundleTip/confirmLatency and this type's ObserveTip/
// ObserveConfirmLatency, which satisfy internal/bundle.Metrics) and
// simply report whatever has accumulated since process start -- the
// standard prometheus_client pattern for latency/size distributions,
// the same one client_golang's own examples use.
type metrics struct {
	queueDepth        *prometheus.GaugeVec
	circuitState      prometheus.Gauge
	activePositions   prometheus.Gauge
	activeWallets     prometheus.Gauge
	tradeCount        *prometheus.GaugeVec
	realizedPnL       *prometheus.GaugeVec
	openDiscrepancies prometheus.Gauge
	rpcHealthy        prometheus.Gauge

	bundleTip       *prometheus.HistogramVec
	confirmLatency  prometheus.Histogram
}

var strategies = []string{"SHIELD", "SPEAR"}

func newMetrics() *metrics {
	return &metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "operatord_queue_depth",
			Help: "Current depth of the ingestion queue, by priority class.",
		}, []string{"class"}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatord_circuit_state",
			Help: "1 if the circuit breaker is tripped, 0 if active.",
		}),
		activePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatord_active_positions",
			Help: "Number of open positions across both strategies.",
		}),
		activeWallets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatord_active_wallets",
			Help: "Number of wallets currently in ACTIVE roster status.",
		}),
		tradeCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "operatord_trade_count",
			Help: "Trade count by strategy and terminal status.",
		}, []string{"strategy", "status"}),
		realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "operatord_realized_pnl_native",
			Help: "Sum of realized PnL in native minor units for CLOSED trades, by strategy.",
		}, []string{"strategy"}),
		openDiscrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatord_open_discrepancies",
			Help: "Unresolved reconciliation discrepancies awaiting operator action.",
		}),
		rpcHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatord_rpc_healthy",
			Help: "1 if the last chain RPC reachability probe succeeded, 0 otherwise.",
		}),
		bundleTip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "operatord_bundle_tip_native",
			Help:    "Tip paid in native minor units for landed bundles, by priority class.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 16),
		}, []string{"class"}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "operatord_bundle_confirm_latency_seconds",
			Help:    "Time from bundle submission to a terminal confirm-poll result.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// ObserveTip and ObserveConfirmLatency satisfy internal/bundle.Metrics,
// letting cmd/operatord wire this server's own registry straight into
// bundle.Builder with no adapter type in between.
func (m *metrics) ObserveTip(class bundle.TipClass, amountNative float64) {
	m.bundleTip.WithLabelValues(string(class)).Observe(amountNative)
}

func (m *metrics) ObserveConfirmLatency(seconds float64) {
	m.confirmLatency.Observe(seconds)
}

// registry builds a fresh prometheus.Registry seeded only with this
// server's metrics, avoiding the default global registry's
// process/go-runtime collectors racing with test setup.
func (m *metrics) registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(m.queueDepth, m.circuitState, m.activePositions, m.activeWallets, m.tradeCount, m.realizedPnL, m.openDiscrepancies, m.rpcHealthy, m.bundleTip, m.confirmLatency)
	return r
}

var terminalStatuses = []store.TradeStatus{store.TradeClosed, store.TradeFailed, store.TradeDeadLetter}

func (s *Server) refreshMetrics() {
	m := s.metrics
	if s.queue != nil {
		for _, c := range []queue.Class{queue.ClassExit, queue.ClassConsensus, queue.ClassStandard} {
			m.queueDepth.WithLabelValues(c.String()).Set(float64(s.queue.DepthByClass(c)))
		}
	}
	if s.circuit != nil {
		snap := s.circuit.Snapshot()
		if snap.State == supervisor.StateTripped {
			m.circuitState.Set(1)
		} else {
			m.circuitState.Set(0)
		}
	}
	if s.roster != nil {
		m.activeWallets.Set(float64(s.roster.Count()))
	}
	if s.store != nil {
		if positions, err := s.store.ActivePositions(); err == nil {
			m.activePositions.Set(float64(len(positions)))
		}
		for _, strategy := range strategies {
			var pnl int64
			for _, status := range terminalStatuses {
				st := status
				trades, err := s.store.ListTrades(store.TradeFilter{Strategy: strategy, Status: &st, Limit: 100000})
				if err != nil {
					continue
				}
				m.tradeCount.WithLabelValues(strategy, string(status)).Set(float64(len(trades)))
				if status == store.TradeClosed {
					for _, t := range trades {
						pnl += int64(t.PnLNative)
					}
				}
			}
			m.realizedPnL.WithLabelValues(strategy).Set(float64(pnl))
		}
		if open, err := s.store.ListOpenDiscrepancies(); err == nil {
			m.openDiscrepancies.Set(float64(len(open)))
		}
	}
	if s.rpcHealth != nil {
		healthCtx, cancel := rpcHealthContext()
		defer cancel()
		if s.rpcHealth.Healthy(healthCtx) {
			m.rpcHealthy.Set(1)
		} else {
			m.rpcHealthy.Set(0)
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.refreshMetrics()
	promhttp.HandlerFor(s.metrics.registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
