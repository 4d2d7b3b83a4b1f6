// Package strategy implements the Shield and Spear state machines
// (spec.md §4.4/4.5): entry sizing, safety gating, submission, and
// tiered/trailing exit monitoring for a routed signal. This file
// holds the types shared with internal/router, which classifies a
// raw ingress signal into one of these before handing it to an
// engine -- kept separate from the engine implementations so router
// can depend on the classification vocabulary without pulling in the
// full state machines.
package strategy

import (
	"context"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

// Kind is the strategy lane a classified signal is routed to.
type Kind string

const (
	KindShield Kind = "SHIELD"
	KindSpear  Kind = "SPEAR"
	KindExit   Kind = "EXIT"
)

// Signal is a routed, classified unit of work. It carries everything
// an engine needs without a back-reference to the router.
type Signal struct {
	SignalID        string
	SourceWallet    string
	Token           string
	Action          string
	RequestedAmount money.Amount
	SignalQuality   float64
	ReceivedAt      time.Time

	Kind           Kind
	ConsensusCount int // weighted distinct-wallet count at classification time; Shield-only

	// ExitTradeUUID is set when Kind == KindExit: the open position
	// being closed, resolved by the router from an exit or SELL signal
	// against an existing position. The monitoring loop does not build
	// Signals; it closes positions through MonitorOnce directly.
	ExitTradeUUID string
	ExitReason    string
}

// Engine executes one classified signal to completion (or to a
// terminal REJECTED/FAILED state) per its own state machine.
type Engine interface {
	Handle(ctx context.Context, sig Signal) error
}
