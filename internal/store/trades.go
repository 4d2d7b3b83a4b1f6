package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

var ErrTradeNotFound = errors.New("store: trade not found")

// TradeStatus mirrors spec.md §3's Trade.status enum.
type TradeStatus string

const (
	TradeQueued     TradeStatus = "QUEUED"
	TradeExecuting  TradeStatus = "EXECUTING"
	TradeClosed     TradeStatus = "CLOSED"
	TradeFailed     TradeStatus = "FAILED"
	TradeDeadLetter TradeStatus = "DEAD_LETTER"
)

// Trade is a row of the durable ledger.
type Trade struct {
	TradeUUID     string
	SignalID      string
	Strategy      string
	Side          string
	WalletAddress string
	Token         string
	Amount        money.Amount
	PriceAtSignal money.Rational
	TxSignature   string
	Status        TradeStatus
	PnLNative     money.Amount
	PnLFiat       money.Amount
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateTrade inserts a new trade row. Per the idempotency invariant
// (A9, spec.md §4.8), creating a trade whose trade_uuid already
// exists is a no-op that returns the existing row rather than an
// error -- callers cannot tell the difference between "I created it"
// and "it was already there" from the return value alone, which is
// the point: retries of the same signal never produce a second trade
// or a second on-chain submission attempt.
func (s *Store) CreateTrade(t *Trade) (*Trade, error) {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO trades (
			trade_uuid, signal_id, strategy, side, wallet_address, token,
			amount, price_at_signal_num, price_at_signal_den, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_uuid) DO NOTHING
	`,
		t.TradeUUID, t.SignalID, t.Strategy, t.Side, t.WalletAddress, t.Token,
		int64(t.Amount), t.PriceAtSignal.Num, t.PriceAtSignal.Den, string(TradeQueued),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: create trade: %w", err)
	}
	return s.GetTrade(t.TradeUUID)
}

// GetTrade retrieves a trade by its deterministic UUID.
func (s *Store) GetTrade(tradeUUID string) (*Trade, error) {
	var t Trade
	var amount, pnlNative, pnlFiat, priceNum, priceDen, createdAt, updatedAt int64
	var txSig, errMsg sql.NullString

	err := s.db.QueryRow(`
		SELECT trade_uuid, signal_id, strategy, side, wallet_address, token,
			amount, price_at_signal_num, price_at_signal_den, tx_signature, status,
			pnl_native, pnl_fiat, error_message, created_at, updated_at
		FROM trades WHERE trade_uuid = ?
	`, tradeUUID).Scan(
		&t.TradeUUID, &t.SignalID, &t.Strategy, &t.Side, &t.WalletAddress, &t.Token,
		&amount, &priceNum, &priceDen, &txSig, &t.Status,
		&pnlNative, &pnlFiat, &errMsg, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trade: %w", err)
	}

	t.Amount = money.Amount(amount)
	t.PriceAtSignal = money.Rational{Num: priceNum, Den: priceDen}
	t.PnLNative = money.Amount(pnlNative)
	t.PnLFiat = money.Amount(pnlFiat)
	t.TxSignature = txSig.String
	t.ErrorMessage = errMsg.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// SetTradeTxSignature records the on-chain signature once. The
// invariant that tx_signature is immutable once set is enforced here
// by only updating rows where it is currently NULL.
func (s *Store) SetTradeTxSignature(tradeUUID, sig string) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE trades SET tx_signature = ?, updated_at = ?
		WHERE trade_uuid = ? AND tx_signature IS NULL
	`, sig, now, tradeUUID)
	if err != nil {
		return fmt.Errorf("store: set tx signature: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		existing, gerr := s.GetTrade(tradeUUID)
		if gerr == nil && existing.TxSignature == sig {
			return nil // idempotent re-application
		}
		return fmt.Errorf("store: tx signature already set for %s", tradeUUID)
	}
	return nil
}

// SetTradeStatus updates status and optional error message/PnL.
// Reconciliation is the only caller allowed to move CLOSED<->FAILED;
// the store itself does not enforce that (it has no notion of
// "caller"), so callers must respect the invariant documented in
// spec.md §3.
func (s *Store) SetTradeStatus(tradeUUID string, status TradeStatus, errMsg string) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE trades SET status = ?, error_message = NULLIF(?, ''), updated_at = ?
		WHERE trade_uuid = ?
	`, string(status), errMsg, now, tradeUUID)
	if err != nil {
		return fmt.Errorf("store: set trade status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// SetTradePnL records realized PnL on trade close.
func (s *Store) SetTradePnL(tradeUUID string, native, fiat money.Amount) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
		UPDATE trades SET pnl_native = ?, pnl_fiat = ?, updated_at = ? WHERE trade_uuid = ?
	`, int64(native), int64(fiat), now, tradeUUID)
	if err != nil {
		return fmt.Errorf("store: set trade pnl: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// OpenTradesForWallet returns non-terminal trades for a source wallet,
// used for per-(wallet,token) serialization checks.
func (s *Store) OpenTradesForWallet(addr string) ([]*Trade, error) {
	rows, err := s.db.Query(`
		SELECT trade_uuid, signal_id, strategy, side, wallet_address, token,
			amount, price_at_signal_num, price_at_signal_den, tx_signature, status,
			pnl_native, pnl_fiat, error_message, created_at, updated_at
		FROM trades
		WHERE wallet_address = ? AND status IN (?, ?)
		ORDER BY created_at ASC
	`, addr, string(TradeQueued), string(TradeExecuting))
	if err != nil {
		return nil, fmt.Errorf("store: open trades for wallet: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecentPnL sums pnl_fiat for trades closed within the given window.
func (s *Store) RecentPnL(window time.Duration) (money.Amount, error) {
	since := time.Now().Add(-window).Unix()
	var sum sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(pnl_fiat) FROM trades WHERE status = ? AND updated_at >= ?
	`, string(TradeClosed), since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("store: recent pnl: %w", err)
	}
	return money.Amount(sum.Int64), nil
}

// ConsecutiveLosses counts the trailing run of closed losing trades
// for a strategy, stopping at the first winner, used by the
// supervisor's per-strategy pause trigger.
func (s *Store) ConsecutiveLosses(strategy string) (int, error) {
	rows, err := s.db.Query(`
		SELECT pnl_fiat FROM trades
		WHERE strategy = ? AND status = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT 200
	`, strategy, string(TradeClosed))
	if err != nil {
		return 0, fmt.Errorf("store: consecutive losses: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pnl int64
		if err := rows.Scan(&pnl); err != nil {
			return 0, fmt.Errorf("store: scan pnl: %w", err)
		}
		if pnl >= 0 {
			break
		}
		count++
	}
	return count, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		var t Trade
		var amount, pnlNative, pnlFiat, priceNum, priceDen, createdAt, updatedAt int64
		var txSig, errMsg sql.NullString

		if err := rows.Scan(
			&t.TradeUUID, &t.SignalID, &t.Strategy, &t.Side, &t.WalletAddress, &t.Token,
			&amount, &priceNum, &priceDen, &txSig, &t.Status,
			&pnlNative, &pnlFiat, &errMsg, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		t.Amount = money.Amount(amount)
		t.PriceAtSignal = money.Rational{Num: priceNum, Den: priceDen}
		t.PnLNative = money.Amount(pnlNative)
		t.PnLFiat = money.Amount(pnlFiat)
		t.TxSignature = txSig.String
		t.ErrorMessage = errMsg.String
		t.CreatedAt = time.Unix(createdAt, 0)
		t.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &t)
	}
	return out, nil
}

// TradeFilter supports the Operator API's paginated trade listing.
type TradeFilter struct {
	Status   *TradeStatus
	Strategy string
	Limit    int
	Offset   int
}

func (s *Store) ListTrades(f TradeFilter) ([]*Trade, error) {
	query := `
		SELECT trade_uuid, signal_id, strategy, side, wallet_address, token,
			amount, price_at_signal_num, price_at_signal_den, tx_signature, status,
			pnl_native, pnl_fiat, error_message, created_at, updated_at
		FROM trades WHERE 1=1
	`
	var args []interface{}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, f.Strategy)
	}
	query += " ORDER BY created_at DESC"
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
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}
