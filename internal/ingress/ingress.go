// Package ingress exposes the single write surface the upstream
// signal provider calls: an HMAC-authenticated HTTP endpoint that
// authenticates, deduplicates, classifies, and enqueues each incoming
// trade signal, dead-lettering anything it rejects along the way. The
// request/response plumbing follows the teacher's JSON-RPC server
// (internal/rpc/server.go) -- a plain net/http.Server in front of a
// ServeMux, structured logging per request, graceful Shutdown -- even
// though the wire protocol here is a single authenticated POST rather
// than JSON-RPC method dispatch.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/klingon-exchange/operatord/internal/ids"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/queue"
	"github.com/klingon-exchange/operatord/internal/reason"
	"github.com/klingon-exchange/operatord/internal/secrets"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// Signal is the typed, validated form of an incoming wallet-copy
// notification, per spec.md §3's Incoming Signal entity.
type Signal struct {
	SignalID        string       `json:"-"`
	SourceWallet    string       `json:"source_wallet"`
	Token           string       `json:"token"`
	Strategy        string       `json:"strategy"`
	Action          string       `json:"action"`
	RequestedAmount money.Amount `json:"requested_amount"`
	SignalQuality   float64      `json:"signal_quality"`
	ReceivedAt      time.Time    `json:"-"`
}

// rawSignal is the wire shape decoded from the request body before
// validation promotes it to a Signal.
type rawSignal struct {
	SourceWallet    string  `json:"source_wallet"`
	Token           string  `json:"token"`
	Strategy        string  `json:"strategy"`
	Action          string  `json:"action"`
	RequestedAmount int64   `json:"requested_amount"`
	SignalQuality   float64 `json:"signal_quality"`
}

// Config bundles the tunables ingress reads from internal/config on
// every Server construction (it does not hold a live *config.Store
// itself, since a reload should recreate the rate limiter and replay
// cache cleanly rather than mutate them in place).
type Config struct {
	Addr           string
	TimestampSkew  time.Duration
	ReplayWindow   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the ingress HTTP listener.
type Server struct {
	cfg     Config
	secrets *secrets.Manager
	store   *store.Store
	queue   *queue.Queue
	log     *logging.Logger

	replay   *replayCache
	limiter  *rateLimiter
	server   *http.Server
	listener net.Listener
}

// New constructs a Server. The caller is expected to have already
// bootstrapped the ingress MAC secret in secretsMgr.
func New(cfg Config, secretsMgr *secrets.Manager, st *store.Store, q *queue.Queue) *Server {
	return &Server{
		cfg:     cfg,
		secrets: secretsMgr,
		store:   st,
		queue:   q,
		log:     logging.GetDefault().Component("ingress"),
		replay:  newReplayCache(cfg.ReplayWindow),
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// Start begins serving on cfg.Addr.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("POST /signal", s.handleSubmit)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("ingress server error", "error", err)
		}
	}()

	s.log.Info("ingress listening", "addr", s.cfg.Addr)
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleSubmit implements the contract in spec.md §4.1: timestamp
// skew check, HMAC verification (current secret, falling back to the
// previous secret within its grace window), body parse/validate,
// replay check, then enqueue.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	tsHeader := r.Header.Get("X-Signal-Timestamp")
	sigHeader := r.Header.Get("X-Signal-Signature")

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		s.reject(w, "", reason.TimestampSkew, "missing or malformed timestamp header", nil)
		return
	}
	now := time.Now()
	if diff := now.Unix() - ts; diff > int64(s.cfg.TimestampSkew.Seconds()) || diff < -int64(s.cfg.TimestampSkew.Seconds()) {
		s.reject(w, "", reason.TimestampSkew, "timestamp outside allowed skew", body)
		return
	}

	if !s.verifyMAC(tsHeader, body, sigHeader) {
		s.reject(w, "", reason.HMACFail, "signature mismatch", body)
		return
	}

	var raw rawSignal
	if err := json.Unmarshal(body, &raw); err != nil {
		s.reject(w, "", reason.ParseError, err.Error(), body)
		return
	}
	sig, err := validate(raw, now)
	if err != nil {
		s.reject(w, "", reason.Validation, err.Error(), body)
		return
	}

	if s.replay.SeenOrMark(sig.SignalID) {
		s.reject(w, sig.SignalID, reason.Replay, "seen in recent in-memory cache", nil)
		return
	}
	firstSeen, err := s.store.RecordSeenSignal(sig.SignalID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !firstSeen {
		s.reject(w, sig.SignalID, reason.Replay, "seen in durable ledger", nil)
		return
	}

	item := queue.Item{Class: classifyInitial(sig), Payload: sig}
	if err := s.queue.Push(item); err != nil {
		// QUEUE_FULL is deliberately not dead-lettered (spec.md §4.1):
		// the signal was valid, it was simply shed under load.
		s.log.Warn("signal shed under queue pressure", "signal_id", sig.SignalID)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"dropped","reason":"%s"}`, reason.QueueFull)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"status":"accepted","signal_id":"%s"}`, sig.SignalID)
}

// verifyMAC checks the current secret first, then -- only if it's
// still within its grace window -- the previous one. Both compares
// are constant-time.
func (s *Server) verifyMAC(tsHeader string, body []byte, sigHeaderHex string) bool {
	given, err := hex.DecodeString(sigHeaderHex)
	if err != nil {
		return false
	}
	msg := append([]byte(tsHeader), body...)

	return s.secrets.Verify(secrets.KindIngressMAC, given, func(secret, candidate []byte) bool {
		mac := hmac.New(sha256.New, secret)
		mac.Write(msg)
		expected := mac.Sum(nil)
		return subtle.ConstantTimeCompare(expected, candidate) == 1
	})
}

// validate checks body-schema/range invariants and computes the
// deterministic signal_id.
func validate(raw rawSignal, now time.Time) (Signal, error) {
	if raw.SourceWallet == "" || raw.Token == "" {
		return Signal{}, fmt.Errorf("source_wallet and token are required")
	}
	if raw.Strategy != "SHIELD" && raw.Strategy != "SPEAR" && raw.Strategy != "EXIT" {
		return Signal{}, fmt.Errorf("strategy must be one of SHIELD, SPEAR, EXIT, got %q", raw.Strategy)
	}
	if raw.Action != "BUY" && raw.Action != "SELL" {
		return Signal{}, fmt.Errorf("action must be BUY or SELL, got %q", raw.Action)
	}
	if raw.RequestedAmount <= 0 {
		return Signal{}, fmt.Errorf("requested_amount must be positive")
	}
	if raw.SignalQuality < 0 || raw.SignalQuality > 1 {
		return Signal{}, fmt.Errorf("signal_quality must be in [0,1]")
	}

	id := ids.SignalID([]byte(raw.SourceWallet), []byte(raw.Token), raw.Action, now.Unix())
	return Signal{
		SignalID:        id,
		SourceWallet:    raw.SourceWallet,
		Token:           raw.Token,
		Strategy:        raw.Strategy,
		Action:          raw.Action,
		RequestedAmount: money.Amount(raw.RequestedAmount),
		SignalQuality:   raw.SignalQuality,
		ReceivedAt:      now,
	}, nil
}

// classifyInitial assigns the queue lane from the signal's declared
// strategy, using the same exit rule as the router: an EXIT strategy or
// a SELL action takes ClassExit, SHIELD takes ClassConsensus, and SPEAR
// takes ClassStandard, the lane shed first under pressure. The lane is
// fixed here; the router does not re-queue a popped signal.
func classifyInitial(sig Signal) queue.Class {
	switch {
	case sig.Strategy == "EXIT" || sig.Action == "SELL":
		return queue.ClassExit
	case sig.Strategy == "SHIELD":
		return queue.ClassConsensus
	default:
		return queue.ClassStandard
	}
}

// reject dead-letters a rejection (unless the reason code is exempt
// per reason.DeadLetterable) and writes the HTTP response.
func (s *Server) reject(w http.ResponseWriter, signalID string, code reason.Code, detail string, payload []byte) {
	if reason.DeadLetterable(code) {
		if err := s.store.AppendDeadLetter(&store.DeadLetter{
			SignalID: signalID,
			Reason:   string(code),
			Detail:   detail,
			Payload:  payload,
		}); err != nil {
			s.log.Error("failed to dead-letter rejection", "error", err, "reason", code)
		}
	}
	s.log.Debug("signal rejected", "reason", code, "detail", detail)
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"status":"rejected","reason":"%s"}`, code)
}

// replayCache is a bounded, time-windowed in-memory guard that
// short-circuits the durable store.RecordSeenSignal round trip for
// signals seen moments ago; the durable ledger remains the source of
// truth across a restart (see internal/store.RecordSeenSignal's doc).
type replayCache struct {
	mu     sync.Mutex
	window time.Duration
	seenAt map[string]time.Time
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{window: window, seenAt: make(map[string]time.Time)}
}

// SeenOrMark reports whether id was already marked within the window,
// and marks it (refreshing the timestamp) regardless.
func (c *replayCache) SeenOrMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.evictLocked(now)

	if t, ok := c.seenAt[id]; ok && now.Sub(t) < c.window {
		return true
	}
	c.seenAt[id] = now
	return false
}

func (c *replayCache) evictLocked(now time.Time) {
	if len(c.seenAt) < 4096 {
		return
	}
	for id, t := range c.seenAt {
		if now.Sub(t) >= c.window {
			delete(c.seenAt, id)
		}
	}
}

// rateLimiter is a simple token bucket, refilled lazily on Allow --
// the teacher's codebase has no rate limiter to ground this on, so
// this is a direct implementation of the standard token-bucket
// algorithm rather than an adaptation of teacher code.
type rateLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rate:       rps,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

func (l *rateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
