// Package supervisor implements the Circuit-Breaker Supervisor
// (spec.md §4.9): a continuous observer of rolling realized PnL,
// per-strategy consecutive-loss streaks, and portfolio drawdown that
// can halt trading globally or pause Spear specifically. Its
// 30-second observation ticker follows the same pattern as
// internal/node's peer-discovery loop -- a plain time.Ticker driving
// one evaluation per tick until context cancellation.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/pkg/logging"
)

// State is the supervisor's own top-level mode.
type State string

const (
	StateActive  State = "ACTIVE"
	StateTripped State = "TRIPPED"
)

// TripReason names which trip condition fired.
type TripReason string

const (
	ReasonNone          TripReason = ""
	ReasonLossLimit     TripReason = "LOSS_LIMIT_24H"
	ReasonDrawdown      TripReason = "DRAWDOWN"
	ReasonManual        TripReason = "MANUAL"
)

// Config mirrors internal/config.CircuitBreakerConfig; declared
// locally so this package doesn't import internal/config.
type Config struct {
	MaxLoss24h         money.Amount
	MaxConsecutiveLoss int
	MaxDrawdownPercent float64
	CoolDownMinutes    int
}

// Status is a snapshot of the supervisor's current mode, surfaced by
// the Operator API's /health endpoint.
type Status struct {
	State        State
	Reason       TripReason
	TrippedAt    time.Time
	ResumesAt    *time.Time // nil when the trip requires an explicit operator reset
	SpearPaused  bool
	SpearResumesAt *time.Time
	PnL24h       money.Amount
	DrawdownPct  float64
}

// Supervisor evaluates store.RecentPnL, store.ConsecutiveLosses, and
// an internally tracked equity high-water mark against cfg's trip
// thresholds, and exposes the resulting halt/pause decision to
// internal/router.
type Supervisor struct {
	cfg   Config
	store *store.Store
	log   *logging.Logger

	mu sync.RWMutex

	state     State
	reason    TripReason
	trippedAt time.Time
	resumesAt *time.Time // nil => requires explicit Reset

	spearPaused    bool
	spearResumesAt time.Time

	highWaterMark money.Amount
	lastEquity    money.Amount
	haveHWM       bool
	lastPnL24h    money.Amount
}

// drawdownWindow is the rolling equity curve drawdown is measured
// against -- deliberately longer than the 24h loss-limit window so
// the two trip conditions observe different horizons rather than the
// same number twice.
const drawdownWindow = 30 * 24 * time.Hour

// New constructs a Supervisor in the ACTIVE state.
func New(cfg Config, st *store.Store) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		store: st,
		state: StateActive,
		log:   logging.GetDefault().Component("supervisor"),
	}
}

// Run evaluates once immediately, then every 30 seconds until ctx is
// canceled. Terminal trade events do not trigger Evaluate: nothing in
// the engines or cmd/operatord calls it, so a trip caused by a closing
// trade is detected at the next tick.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Evaluate(); err != nil {
		s.log.Error("initial supervisor evaluation failed", "error", err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Evaluate(); err != nil {
				s.log.Error("supervisor evaluation failed", "error", err)
			}
		}
	}
}

// Evaluate runs one observation pass: auto-resumes recoverable trips
// whose cool-down has elapsed, then checks every trip condition.
func (s *Supervisor) Evaluate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.autoResumeLocked(now)

	pnl24h, err := s.store.RecentPnL(24 * time.Hour)
	if err != nil {
		return fmt.Errorf("supervisor: recent pnl: %w", err)
	}

	equity, err := s.store.RecentPnL(drawdownWindow)
	if err != nil {
		return fmt.Errorf("supervisor: drawdown-window pnl: %w", err)
	}
	s.lastPnL24h = pnl24h
	s.trackDrawdownLocked(equity)

	if s.state == StateActive && s.cfg.MaxLoss24h > 0 && pnl24h <= -s.cfg.MaxLoss24h {
		s.tripLocked(ReasonLossLimit, now, s.cooldown(now))
	}

	if s.cfg.MaxDrawdownPercent > 0 && s.drawdownPctLocked() >= s.cfg.MaxDrawdownPercent {
		// Drawdown requires an explicit operator reset: no auto-resume.
		if s.state == StateActive {
			s.tripLocked(ReasonDrawdown, now, nil)
		}
	}

	losses, err := s.store.ConsecutiveLosses("SPEAR")
	if err != nil {
		return fmt.Errorf("supervisor: consecutive losses: %w", err)
	}
	if !s.spearPaused && s.cfg.MaxConsecutiveLoss > 0 && losses >= s.cfg.MaxConsecutiveLoss {
		s.spearPaused = true
		s.spearResumesAt = *s.cooldown(now)
		s.log.Warn("pausing spear after consecutive losses", "consecutive_losses", losses)
	}

	return nil
}

func (s *Supervisor) autoResumeLocked(now time.Time) {
	if s.state == StateTripped && s.resumesAt != nil && !now.Before(*s.resumesAt) {
		s.log.Info("circuit breaker auto-resuming after cooldown", "reason", s.reason)
		s.state = StateActive
		s.reason = ReasonNone
		s.resumesAt = nil
	}
	if s.spearPaused && !now.Before(s.spearResumesAt) {
		s.log.Info("spear pause auto-resuming after cooldown")
		s.spearPaused = false
	}
}

// trackDrawdownLocked folds the latest drawdown-window equity reading
// into a running high-water mark, raising it on a new peak. Drawdown
// is the percentage retrace of the current reading from that mark.
func (s *Supervisor) trackDrawdownLocked(equity money.Amount) {
	s.lastEquity = equity
	if !s.haveHWM || equity > s.highWaterMark {
		s.highWaterMark = equity
		s.haveHWM = true
	}
}

// drawdownPctLocked reports the retrace from the high-water mark as a
// percentage of it. A mark at or below zero (the strategy has never
// been net profitable over the window) has no meaningful percentage
// base, so it reports no drawdown rather than dividing by a
// non-positive number -- the 24h absolute loss-limit check is what
// catches an outright losing run from a zero baseline.
func (s *Supervisor) drawdownPctLocked() float64 {
	if !s.haveHWM || s.highWaterMark <= 0 || s.lastEquity >= s.highWaterMark {
		return 0
	}
	return float64(s.highWaterMark-s.lastEquity) / float64(s.highWaterMark) * 100
}

func (s *Supervisor) tripLocked(reason TripReason, now time.Time, until *time.Time) {
	s.state = StateTripped
	s.reason = reason
	s.trippedAt = now
	s.resumesAt = until
	s.log.Warn("circuit breaker tripped", "reason", reason, "resumes_at", until)
}

func (s *Supervisor) cooldown(now time.Time) *time.Time {
	mins := s.cfg.CoolDownMinutes
	if mins <= 0 {
		mins = 60
	}
	until := now.Add(time.Duration(mins) * time.Minute)
	return &until
}

// TradingAllowed reports whether a signal of kind should proceed.
// EXIT signals always pass regardless of supervisor state (spec.md
// §4.9: "EXITs continue to flow to close existing positions").
func (s *Supervisor) TradingAllowed(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if kind == "EXIT" {
		return true
	}
	if s.state == StateTripped {
		return false
	}
	if kind == "SPEAR" && s.spearPaused {
		return false
	}
	return true
}

// Snapshot returns the current status for the Operator API's /health
// endpoint.
func (s *Supervisor) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:       s.state,
		Reason:      s.reason,
		TrippedAt:   s.trippedAt,
		SpearPaused: s.spearPaused,
		PnL24h:      s.lastPnL24h,
		DrawdownPct: s.drawdownPctLocked(),
	}
	if s.resumesAt != nil {
		t := *s.resumesAt
		st.ResumesAt = &t
	}
	if s.spearPaused {
		t := s.spearResumesAt
		st.SpearResumesAt = &t
	}
	return st
}

// Reset clears a TRIPPED state (including one whose cause requires an
// explicit reset, like drawdown or the manual kill switch) back to
// ACTIVE. Callers are responsible for recording the admin-role audit
// entry (spec.md §4.12) before calling this.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.reason = ReasonNone
	s.resumesAt = nil
	s.spearPaused = false
}

// Halt is the manual kill switch (spec.md §4.9): HALT ALL immediately,
// with no auto-reset. Callers must have already verified the admin's
// typed "HALT" confirmation and recorded the audit entry.
func (s *Supervisor) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tripLocked(ReasonManual, time.Now(), nil)
}
