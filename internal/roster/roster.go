// Package roster holds the live, hot-reloadable classification of
// source wallets the router consults on every incoming signal. It
// follows the same atomic-pointer publish pattern internal/config
// uses for configuration snapshots: the external scorer writes a
// roster snapshot, the registry loads and merges it into the durable
// store, and a fresh handle is published atomically so the router
// never observes a partially-merged roster.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/store"
)

// Entry is the router's read-only view of one wallet's classification.
type Entry struct {
	Address        string
	Status         store.WalletStatus
	WQS            int
	ROI7d          float64
	ROI30d         float64
	TradeCount30d  int
	WinRate        float64
	MaxDrawdown30d float64
	AvgSize        money.Amount
}

// handle is the immutable snapshot published on each reload.
type handle struct {
	byAddress map[string]*Entry
}

// Registry holds the current roster handle and the store it persists
// to / reloads from.
type Registry struct {
	current atomic.Pointer[handle]
	store   *store.Store
}

// New builds a registry from whatever is currently in the store
// (typically empty on first boot, populated on every subsequent
// process start).
func New(s *store.Store) (*Registry, error) {
	r := &Registry{store: s}
	if err := r.reloadFromStore(); err != nil {
		return nil, err
	}
	return r, nil
}

// snapshotFile is the shape the external scorer writes.
type snapshotFile struct {
	Wallets []snapshotWallet `json:"wallets"`
}

type snapshotWallet struct {
	Address        string  `json:"address"`
	Status         string  `json:"status"`
	WQS            int     `json:"wqs"`
	ROI7d          float64 `json:"roi_7d"`
	ROI30d         float64 `json:"roi_30d"`
	TradeCount30d  int     `json:"trade_count_30d"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdown30d float64 `json:"max_drawdown_30d"`
	AvgSize        int64   `json:"avg_size"`
	TTLHours       int     `json:"ttl_hours"`
}

// LoadSnapshot reads a scorer-produced snapshot file, merges each
// wallet into the durable store (UpsertWallet), and republishes the
// in-memory handle. Wallets already ACTIVE and re-promoted keep their
// PromotedAt; genuinely new ACTIVE wallets get a fresh one.
func (r *Registry) LoadSnapshot(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("roster: read snapshot: %w", err)
	}
	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("roster: parse snapshot: %w", err)
	}

	now := time.Now()
	for _, sw := range sf.Wallets {
		existing, err := r.store.GetWallet(sw.Address)
		var promotedAt *time.Time
		if err == nil && existing.PromotedAt != nil {
			promotedAt = existing.PromotedAt
		} else if sw.Status == string(store.WalletActive) {
			promotedAt = &now
		}

		var ttl *time.Time
		if sw.TTLHours > 0 {
			t := now.Add(time.Duration(sw.TTLHours) * time.Hour)
			ttl = &t
		}

		w := &store.Wallet{
			Address:        sw.Address,
			Status:         store.WalletStatus(sw.Status),
			WQS:            sw.WQS,
			ROI7d:          sw.ROI7d,
			ROI30d:         sw.ROI30d,
			TradeCount30d:  sw.TradeCount30d,
			WinRate:        sw.WinRate,
			MaxDrawdown30d: sw.MaxDrawdown30d,
			AvgSize:        money.Amount(sw.AvgSize),
			TTLExpiresAt:   ttl,
			PromotedAt:     promotedAt,
		}
		if err := r.store.UpsertWallet(w); err != nil {
			return 0, fmt.Errorf("roster: upsert %s: %w", sw.Address, err)
		}
	}

	if err := r.reloadFromStore(); err != nil {
		return 0, err
	}
	return len(sf.Wallets), nil
}

func (r *Registry) reloadFromStore() error {
	active, err := r.store.ActiveWallets()
	if err != nil {
		return fmt.Errorf("roster: load active wallets: %w", err)
	}
	h := &handle{byAddress: make(map[string]*Entry, len(active))}
	for _, w := range active {
		h.byAddress[w.Address] = &Entry{
			Address: w.Address, Status: w.Status, WQS: w.WQS,
			ROI7d: w.ROI7d, ROI30d: w.ROI30d, TradeCount30d: w.TradeCount30d,
			WinRate: w.WinRate, MaxDrawdown30d: w.MaxDrawdown30d, AvgSize: w.AvgSize,
		}
	}
	r.current.Store(h)
	return nil
}

// Lookup returns the active entry for addr, or (nil, false) if the
// wallet is not currently ACTIVE -- the router treats every other
// status (CANDIDATE, PROBATION, EXPIRED) as "not eligible to copy".
func (r *Registry) Lookup(addr string) (*Entry, bool) {
	h := r.current.Load()
	e, ok := h.byAddress[addr]
	return e, ok
}

// Count returns the number of currently-active wallets.
func (r *Registry) Count() int {
	return len(r.current.Load().byAddress)
}

// SweepExpired demotes wallets past their TTL in the store and
// republishes the handle so the router stops seeing them immediately,
// rather than waiting for the next full snapshot load.
func (r *Registry) SweepExpired() ([]string, error) {
	demoted, err := r.store.ExpireTTLWallets(time.Now())
	if err != nil {
		return nil, fmt.Errorf("roster: expire ttl wallets: %w", err)
	}
	if len(demoted) == 0 {
		return nil, nil
	}
	if err := r.reloadFromStore(); err != nil {
		return nil, err
	}
	return demoted, nil
}

// Demote forces a wallet out of the active roster immediately by
// setting it to PROBATION. Nothing in cmd/operatord or the supervisor
// calls it; circuit trips halt or pause trading without demoting
// wallets.
func (r *Registry) Demote(addr string, reason string) error {
	w, err := r.store.GetWallet(addr)
	if err != nil {
		return fmt.Errorf("roster: demote %s: %w", addr, err)
	}
	w.Status = store.WalletProbation
	w.Notes = reason
	if err := r.store.UpsertWallet(w); err != nil {
		return fmt.Errorf("roster: demote %s: %w", addr, err)
	}
	return r.reloadFromStore()
}
