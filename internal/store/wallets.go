package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

var ErrWalletNotFound = errors.New("store: wallet not found")

// WalletStatus mirrors the roster registry's classification states.
type WalletStatus string

const (
	WalletCandidate WalletStatus = "CANDIDATE"
	WalletActive    WalletStatus = "ACTIVE"
	WalletProbation WalletStatus = "PROBATION"
	WalletExpired   WalletStatus = "EXPIRED"
)

// Wallet is the durable record of a scored source wallet, merged on
// roster reload from the scorer's snapshot and otherwise mutated only
// by TTL expiry and explicit status changes (the Operator API
// override and roster.Registry.Demote).
type Wallet struct {
	Address       string
	Status        WalletStatus
	WQS           int
	ROI7d         float64
	ROI30d        float64
	TradeCount30d int
	WinRate       float64
	MaxDrawdown30d float64
	AvgSize       money.Amount
	TTLExpiresAt  *time.Time
	PromotedAt    *time.Time
	Notes         string
	UpdatedAt     time.Time
}

// UpsertWallet inserts or fully replaces a wallet row, the shape a
// roster-snapshot merge performs on every reload.
func (s *Store) UpsertWallet(w *Wallet) error {
	var ttl, promoted sql.NullInt64
	if w.TTLExpiresAt != nil {
		ttl = sql.NullInt64{Int64: w.TTLExpiresAt.Unix(), Valid: true}
	}
	if w.PromotedAt != nil {
		promoted = sql.NullInt64{Int64: w.PromotedAt.Unix(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO wallets (
			address, status, wqs, roi_7d, roi_30d, trade_count_30d, win_rate,
			max_drawdown_30d, avg_size, ttl_expires_at, promoted_at, notes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			status = excluded.status,
			wqs = excluded.wqs,
			roi_7d = excluded.roi_7d,
			roi_30d = excluded.roi_30d,
			trade_count_30d = excluded.trade_count_30d,
			win_rate = excluded.win_rate,
			max_drawdown_30d = excluded.max_drawdown_30d,
			avg_size = excluded.avg_size,
			ttl_expires_at = excluded.ttl_expires_at,
			promoted_at = excluded.promoted_at,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`,
		w.Address, string(w.Status), w.WQS, w.ROI7d, w.ROI30d, w.TradeCount30d, w.WinRate,
		w.MaxDrawdown30d, int64(w.AvgSize), ttl, promoted, w.Notes, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert wallet: %w", err)
	}
	return nil
}

// GetWallet retrieves a wallet by address.
func (s *Store) GetWallet(addr string) (*Wallet, error) {
	var w Wallet
	var updatedAt int64
	var ttl, promoted sql.NullInt64
	var notes sql.NullString
	var avgSize int64

	err := s.db.QueryRow(`
		SELECT address, status, wqs, roi_7d, roi_30d, trade_count_30d, win_rate,
			max_drawdown_30d, avg_size, ttl_expires_at, promoted_at, notes, updated_at
		FROM wallets WHERE address = ?
	`, addr).Scan(
		&w.Address, &w.Status, &w.WQS, &w.ROI7d, &w.ROI30d, &w.TradeCount30d, &w.WinRate,
		&w.MaxDrawdown30d, &avgSize, &ttl, &promoted, &notes, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get wallet: %w", err)
	}

	w.AvgSize = money.Amount(avgSize)
	w.Notes = notes.String
	w.UpdatedAt = time.Unix(updatedAt, 0)
	if ttl.Valid {
		t := time.Unix(ttl.Int64, 0)
		w.TTLExpiresAt = &t
	}
	if promoted.Valid {
		t := time.Unix(promoted.Int64, 0)
		w.PromotedAt = &t
	}
	return &w, nil
}

// ActiveWallets returns every ACTIVE wallet, the roster the router
// consults on each incoming signal.
func (s *Store) ActiveWallets() ([]*Wallet, error) {
	return s.walletsByStatus(WalletActive)
}

func (s *Store) walletsByStatus(status WalletStatus) ([]*Wallet, error) {
	rows, err := s.db.Query(`
		SELECT address, status, wqs, roi_7d, roi_30d, trade_count_30d, win_rate,
			max_drawdown_30d, avg_size, ttl_expires_at, promoted_at, notes, updated_at
		FROM wallets WHERE status = ?
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: wallets by status: %w", err)
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		var w Wallet
		var updatedAt, avgSize int64
		var ttl, promoted sql.NullInt64
		var notes sql.NullString

		if err := rows.Scan(
			&w.Address, &w.Status, &w.WQS, &w.ROI7d, &w.ROI30d, &w.TradeCount30d, &w.WinRate,
			&w.MaxDrawdown30d, &avgSize, &ttl, &promoted, &notes, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan wallet: %w", err)
		}
		w.AvgSize = money.Amount(avgSize)
		w.Notes = notes.String
		w.UpdatedAt = time.Unix(updatedAt, 0)
		if ttl.Valid {
			t := time.Unix(ttl.Int64, 0)
			w.TTLExpiresAt = &t
		}
		if promoted.Valid {
			t := time.Unix(promoted.Int64, 0)
			w.PromotedAt = &t
		}
		out = append(out, &w)
	}
	return out, nil
}

// WalletFilter supports the Operator API's paginated wallet listing,
// mirroring TradeFilter's shape.
type WalletFilter struct {
	Status *WalletStatus
	Limit  int
	Offset int
}

// ListWallets returns wallets matching f, newest-updated first.
func (s *Store) ListWallets(f WalletFilter) ([]*Wallet, error) {
	query := `
		SELECT address, status, wqs, roi_7d, roi_30d, trade_count_30d, win_rate,
			max_drawdown_30d, avg_size, ttl_expires_at, promoted_at, notes, updated_at
		FROM wallets WHERE 1=1
	`
	var args []interface{}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list wallets: %w", err)
	}
	defer rows.Close()

	var out []*Wallet
	for rows.Next() {
		var w Wallet
		var updatedAt, avgSize int64
		var ttl, promoted sql.NullInt64
		var notes sql.NullString

		if err := rows.Scan(
			&w.Address, &w.Status, &w.WQS, &w.ROI7d, &w.ROI30d, &w.TradeCount30d, &w.WinRate,
			&w.MaxDrawdown30d, &avgSize, &ttl, &promoted, &notes, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan wallet: %w", err)
		}
		w.AvgSize = money.Amount(avgSize)
		w.Notes = notes.String
		w.UpdatedAt = time.Unix(updatedAt, 0)
		if ttl.Valid {
			t := time.Unix(ttl.Int64, 0)
			w.TTLExpiresAt = &t
		}
		if promoted.Valid {
			t := time.Unix(promoted.Int64, 0)
			w.PromotedAt = &t
		}
		out = append(out, &w)
	}
	return out, nil
}

// SetWalletStatus updates a wallet's status directly, the Operator
// API's manual override path distinct from roster-driven TTL expiry.
func (s *Store) SetWalletStatus(addr string, status WalletStatus) error {
	res, err := s.db.Exec(`UPDATE wallets SET status = ?, updated_at = ? WHERE address = ?`,
		string(status), time.Now().Unix(), addr)
	if err != nil {
		return fmt.Errorf("store: set wallet status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// ExpireTTLWallets demotes every ACTIVE wallet whose ttl_expires_at
// has passed to EXPIRED, returning the addresses demoted so the
// roster registry can drop them from its in-memory handle too.
func (s *Store) ExpireTTLWallets(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT address FROM wallets
		WHERE status = ? AND ttl_expires_at IS NOT NULL AND ttl_expires_at <= ?
	`, string(WalletActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: find expired wallets: %w", err)
	}
	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan expired wallet: %w", err)
		}
		addrs = append(addrs, addr)
	}
	rows.Close()

	if len(addrs) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`
		UPDATE wallets SET status = ?, updated_at = ?
		WHERE status = ? AND ttl_expires_at IS NOT NULL AND ttl_expires_at <= ?
	`, string(WalletExpired), now.Unix(), string(WalletActive), now.Unix()); err != nil {
		return nil, fmt.Errorf("store: expire wallets: %w", err)
	}
	return addrs, nil
}
