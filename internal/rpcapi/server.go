// Package rpcapi implements the operator-facing control surface: a
// read/write REST API over the trade, position, wallet, and
// configuration state plus a WebSocket feed of live events.
package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/config"
	"github.com/klingon-exchange/operatord/internal/queue"
	"github.com/klingon-exchange/operatord/internal/reconcile"
	"github.com/klingon-exchange/operatord/internal/roster"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/internal/supervisor"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// Circuit is the subset of *supervisor.Supervisor this package
// depends on, kept narrow so tests can supply a fake.
type Circuit interface {
	Snapshot() supervisor.Status
	TradingAllowed(kind string) bool
	Reset()
	Halt()
}

// RPCHealth reports whether the chain RPC endpoint operatord submits
// bundles and reads chain state through is currently reachable.
// Satisfied by cmd/operatord's chainAdapter wrapping its node client's
// LatestBlockhash call -- a single lightweight read, the same
// reachability probe the teacher's peer-discovery loop uses a ping
// RPC for.
type RPCHealth interface {
	Healthy(ctx context.Context) bool
}

// Server is the Operator API's HTTP+WebSocket server.
type Server struct {
	auth     *Authenticator
	store    *store.Store
	cfg      *config.Store
	queue    *queue.Queue
	roster   *roster.Registry
	circuit  Circuit
	rpcHealth RPCHealth
	recon    *reconcile.Reconciler
	log      *logging.Logger
	hub      *WSHub
	metrics  *metrics

	startedAt time.Time

	httpServer *http.Server
	listener   net.Listener
	stopHub    chan struct{}
}

// New builds a Server. Any dependency left nil degrades the handlers
// that need it to a 503 rather than a panic, so the Operator API can
// be stood up incrementally alongside the trading subsystems it
// reports on. rpcHealth may be nil, in which case /health reports its
// rpc sub-object as "unknown" rather than factoring it into the
// overall status.
func New(auth *Authenticator, st *store.Store, cfg *config.Store, q *queue.Queue, rr *roster.Registry, circuit Circuit, recon *reconcile.Reconciler, rpcHealth RPCHealth) *Server {
	return &Server{
		auth:      auth,
		store:     st,
		cfg:       cfg,
		queue:     q,
		roster:    rr,
		circuit:   circuit,
		rpcHealth: rpcHealth,
		recon:     recon,
		log:       logging.GetDefault().Component("rpcapi"),
		hub:       NewWSHub(),
		metrics:   newMetrics(),
	}
}

// BundleMetrics exposes this server's Prometheus registry as the
// narrow internal/bundle.Metrics seam, so cmd/operatord can wire
// bundle.Builder's tip/confirm-latency observations into the same
// /metrics endpoint without either package depending on the other's
// internals.
func (s *Server) BundleMetrics() bundle.Metrics {
	return s.metrics
}

// rpcHealthTimeout bounds how long a /health or /metrics request will
// wait on the chain RPC reachability probe.
const rpcHealthTimeout = 2 * time.Second

func rpcHealthContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcHealthTimeout)
}

// Hub returns the WebSocket hub so other subsystems can push events
// (trade lifecycle, circuit trips, discrepancies) without importing
// the handler internals of this package.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start binds addr and begins serving. It returns once the listener
// is open; the HTTP server and WebSocket hub both run in background
// goroutines.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcapi: listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startedAt = time.Now()
	s.stopHub = make(chan struct{})
	go s.hub.Run(s.stopHub)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("operator API server error", "error", err)
		}
	}()

	s.log.Info("operator API started", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server and the WebSocket hub.
func (s *Server) Stop() error {
	if s.stopHub != nil {
		close(s.stopHub)
	}
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /ws", s.requireRole(RoleReadonly, s.handleWS))

	mux.HandleFunc("GET /v1/trades", s.requireRole(RoleReadonly, s.handleListTrades))
	mux.HandleFunc("GET /v1/positions", s.requireRole(RoleReadonly, s.handleListPositions))
	mux.HandleFunc("GET /v1/wallets", s.requireRole(RoleReadonly, s.handleListWallets))
	mux.HandleFunc("PATCH /v1/wallets/{address}", s.requireRole(RoleOperator, s.handleSetWalletStatus))
	mux.HandleFunc("GET /v1/audit", s.requireRole(RoleReadonly, s.handleListConfigAudit))
	mux.HandleFunc("GET /v1/discrepancies", s.requireRole(RoleReadonly, s.handleListDiscrepancies))
	mux.HandleFunc("POST /v1/discrepancies/{id}/resolve", s.requireRole(RoleOperator, s.handleResolveDiscrepancy))

	mux.HandleFunc("GET /v1/config", s.requireRole(RoleReadonly, s.handleGetConfig))
	mux.HandleFunc("PATCH /v1/config/{section}", s.requireRole(RoleOperator, s.handlePatchConfig))

	mux.HandleFunc("GET /v1/circuit", s.requireRole(RoleReadonly, s.handleCircuitStatus))
	mux.HandleFunc("POST /v1/circuit/reset", s.requireRole(RoleAdmin, s.handleCircuitReset))
	mux.HandleFunc("POST /v1/circuit/halt", s.requireRole(RoleAdmin, s.handleCircuitHalt))
}

// circuitBreakerHealth is the documented shape of the /health
// response's circuit_breaker sub-object (spec.md §6).
type circuitBreakerHealth struct {
	State                 string `json:"state"`
	TradingAllowed        bool   `json:"trading_allowed"`
	TripReason            string `json:"trip_reason,omitempty"`
	CooldownRemainingSecs int64  `json:"cooldown_remaining_secs,omitempty"`
}

type subsystemHealth struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status        string               `json:"status"`
	QueueDepth    int                  `json:"queue_depth,omitempty"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	CircuitBreaker *circuitBreakerHealth `json:"circuit_breaker,omitempty"`
	RPC           subsystemHealth      `json:"rpc"`
	Database      subsystemHealth      `json:"database"`
}

// handleHealth reports the documented health shape (spec.md §6):
// status is healthy unless the database is unreachable (unhealthy) or
// the circuit breaker is tripped / Spear is paused / the chain RPC
// endpoint is unreachable (degraded -- trading is impaired but the
// process itself is fine). trading_allowed mirrors
// supervisor.Supervisor.TradingAllowed("SPEAR"), the lane scenario 2's
// trip assertion checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RPC:           subsystemHealth{Status: "unknown"},
		Database:      subsystemHealth{Status: "unknown"},
	}

	if s.queue != nil {
		resp.QueueDepth = s.queue.Depth()
	}

	degraded := false

	if s.circuit != nil {
		snap := s.circuit.Snapshot()
		cb := &circuitBreakerHealth{
			State:          string(snap.State),
			TradingAllowed: s.circuit.TradingAllowed("SPEAR"),
		}
		if snap.State == supervisor.StateTripped {
			cb.TripReason = string(snap.Reason)
			if snap.ResumesAt != nil {
				if remaining := time.Until(*snap.ResumesAt); remaining > 0 {
					cb.CooldownRemainingSecs = int64(remaining.Seconds())
				}
			}
			// A trip with no ResumesAt (drawdown, manual halt) requires
			// an explicit operator reset, not a cooldown -- still degraded.
			degraded = true
		} else if snap.SpearPaused {
			degraded = true
		}
		resp.CircuitBreaker = cb
	}

	if s.rpcHealth != nil {
		ctx, cancel := rpcHealthContext()
		healthy := s.rpcHealth.Healthy(ctx)
		cancel()
		if healthy {
			resp.RPC.Status = "healthy"
		} else {
			resp.RPC.Status = "unhealthy"
			degraded = true
		}
	}

	status := http.StatusOK
	if s.store != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			resp.Database.Status = "unhealthy"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database.Status = "healthy"
		}
	}

	if resp.Status == "healthy" && degraded {
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}

// corsMiddleware allows the dashboard single-page app, served from a
// different origin in development, to call this API directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
