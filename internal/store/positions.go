package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

var ErrPositionNotFound = errors.New("store: position not found")

// PositionState mirrors spec.md §3's Position.state enum.
type PositionState string

const (
	PositionActive  PositionState = "ACTIVE"
	PositionExiting PositionState = "EXITING"
	PositionClosed  PositionState = "CLOSED"
)

// Position tracks a trade's post-entry lifecycle: tiered exits,
// trailing stop high-water mark, and the target vector it is being
// walked through.
type Position struct {
	TradeUUID         string
	State             PositionState
	EntryAmount       money.Amount
	EntryPrice        money.Rational
	ExitPrice         *money.Rational
	HighWaterMark     money.Rational
	NextTierIndex     int
	TargetVector      []float64
	PendingExitFrac   int64
	OpenedAt          time.Time
	ClosedAt          *time.Time
}

// UpsertPosition creates a position row for a newly-opened trade, or
// is a no-op if one already exists for that trade_uuid.
func (s *Store) UpsertPosition(p *Position) error {
	vec, err := json.Marshal(p.TargetVector)
	if err != nil {
		return fmt.Errorf("store: marshal target vector: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO positions (
			trade_uuid, state, entry_amount, entry_price_num, entry_price_den,
			high_water_mark_num, high_water_mark_den, next_tier_index,
			target_vector, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_uuid) DO NOTHING
	`,
		p.TradeUUID, string(PositionActive), int64(p.EntryAmount),
		p.EntryPrice.Num, p.EntryPrice.Den,
		p.EntryPrice.Num, p.EntryPrice.Den, // high-water mark seeds at entry price
		0, string(vec), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert position: %w", err)
	}
	return nil
}

// GetPosition retrieves a position by trade_uuid.
func (s *Store) GetPosition(tradeUUID string) (*Position, error) {
	var p Position
	var entryAmount, entryNum, entryDen, hwmNum, hwmDen, openedAt, pendingFrac int64
	var exitNum, exitDen, closedAt sql.NullInt64
	var vec string

	err := s.db.QueryRow(`
		SELECT trade_uuid, state, entry_amount, entry_price_num, entry_price_den,
			exit_price_num, exit_price_den, high_water_mark_num, high_water_mark_den,
			next_tier_index, target_vector, pending_exit_fraction, opened_at, closed_at
		FROM positions WHERE trade_uuid = ?
	`, tradeUUID).Scan(
		&p.TradeUUID, &p.State, &entryAmount, &entryNum, &entryDen,
		&exitNum, &exitDen, &hwmNum, &hwmDen,
		&p.NextTierIndex, &vec, &pendingFrac, &openedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get position: %w", err)
	}

	p.EntryAmount = money.Amount(entryAmount)
	p.EntryPrice = money.Rational{Num: entryNum, Den: entryDen}
	p.HighWaterMark = money.Rational{Num: hwmNum, Den: hwmDen}
	p.PendingExitFrac = pendingFrac
	p.OpenedAt = time.Unix(openedAt, 0)
	if exitNum.Valid && exitDen.Valid {
		p.ExitPrice = &money.Rational{Num: exitNum.Int64, Den: exitDen.Int64}
	}
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		p.ClosedAt = &t
	}
	if err := json.Unmarshal([]byte(vec), &p.TargetVector); err != nil {
		return nil, fmt.Errorf("store: unmarshal target vector: %w", err)
	}
	return &p, nil
}

// AdvancePosition moves a position to a new state, optionally raising
// the high-water mark and the next tier index in the same statement.
// Passing a nil hwm leaves the stored mark untouched -- callers only
// supply one when the trailing-stop tracker actually observed a new
// high.
func (s *Store) AdvancePosition(tradeUUID string, state PositionState, hwm *money.Rational, nextTierIndex *int) error {
	set := "state = ?"
	args := []interface{}{string(state)}

	if hwm != nil {
		set += ", high_water_mark_num = ?, high_water_mark_den = ?"
		args = append(args, hwm.Num, hwm.Den)
	}
	if nextTierIndex != nil {
		set += ", next_tier_index = ?"
		args = append(args, *nextTierIndex)
	}
	if state == PositionClosed {
		set += ", closed_at = ?"
		args = append(args, time.Now().Unix())
	}
	args = append(args, tradeUUID)

	res, err := s.db.Exec(fmt.Sprintf(`UPDATE positions SET %s WHERE trade_uuid = ?`, set), args...)
	if err != nil {
		return fmt.Errorf("store: advance position: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// SetExitPrice records the price a position ultimately closed at.
func (s *Store) SetExitPrice(tradeUUID string, price money.Rational) error {
	res, err := s.db.Exec(`
		UPDATE positions SET exit_price_num = ?, exit_price_den = ? WHERE trade_uuid = ?
	`, price.Num, price.Den, tradeUUID)
	if err != nil {
		return fmt.Errorf("store: set exit price: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// SetPendingExitFraction records the fraction of the position already
// sold off across completed tiers, used to size the remaining clip.
func (s *Store) SetPendingExitFraction(tradeUUID string, fractionBps int64) error {
	res, err := s.db.Exec(`
		UPDATE positions SET pending_exit_fraction = ? WHERE trade_uuid = ?
	`, fractionBps, tradeUUID)
	if err != nil {
		return fmt.Errorf("store: set pending exit fraction: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// ActivePositions returns every position not yet CLOSED, the working
// set each strategy engine's tick loop walks.
func (s *Store) ActivePositions() ([]*Position, error) {
	rows, err := s.db.Query(`
		SELECT trade_uuid, state, entry_amount, entry_price_num, entry_price_den,
			exit_price_num, exit_price_den, high_water_mark_num, high_water_mark_den,
			next_tier_index, target_vector, pending_exit_fraction, opened_at, closed_at
		FROM positions WHERE state != ?
		ORDER BY opened_at ASC
	`, string(PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("store: active positions: %w", err)
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		var p Position
		var entryAmount, entryNum, entryDen, hwmNum, hwmDen, openedAt, pendingFrac int64
		var exitNum, exitDen, closedAt sql.NullInt64
		var vec string

		if err := rows.Scan(
			&p.TradeUUID, &p.State, &entryAmount, &entryNum, &entryDen,
			&exitNum, &exitDen, &hwmNum, &hwmDen,
			&p.NextTierIndex, &vec, &pendingFrac, &openedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan position: %w", err)
		}
		p.EntryAmount = money.Amount(entryAmount)
		p.EntryPrice = money.Rational{Num: entryNum, Den: entryDen}
		p.HighWaterMark = money.Rational{Num: hwmNum, Den: hwmDen}
		p.PendingExitFrac = pendingFrac
		p.OpenedAt = time.Unix(openedAt, 0)
		if exitNum.Valid && exitDen.Valid {
			p.ExitPrice = &money.Rational{Num: exitNum.Int64, Den: exitDen.Int64}
		}
		if closedAt.Valid {
			t := time.Unix(closedAt.Int64, 0)
			p.ClosedAt = &t
		}
		if err := json.Unmarshal([]byte(vec), &p.TargetVector); err != nil {
			return nil, fmt.Errorf("store: unmarshal target vector: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}
