package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordSeenSignal inserts signal_id into the durable replay ledger.
// It returns (true, nil) if the signal was newly recorded, or
// (false, nil) if it was already present -- the caller treats the
// latter as a replay per invariant A1. This ledger exists alongside
// the ingress package's in-memory LRU specifically so a process
// restart does not reopen the replay window for signals seen just
// before the crash.
func (s *Store) RecordSeenSignal(signalID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO seen_signals (signal_id, received_at) VALUES (?, ?)
		ON CONFLICT(signal_id) DO NOTHING
	`, signalID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("store: record seen signal: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record seen signal rows affected: %w", err)
	}
	return rows > 0, nil
}

// HasSeenSignal checks the ledger without inserting.
func (s *Store) HasSeenSignal(signalID string) (bool, error) {
	var x string
	err := s.db.QueryRow(`SELECT signal_id FROM seen_signals WHERE signal_id = ?`, signalID).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has seen signal: %w", err)
	}
	return true, nil
}

// SweepSeenSignals deletes ledger entries older than window, which
// keeps the table from growing unbounded; cmd/operatord does not call
// it on a schedule. Safe to run with a shorter window than the
// dead-letter TTL since the replay guard only needs to cover the
// ingress replay window, not long-term forensics.
func (s *Store) SweepSeenSignals(window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window).Unix()
	res, err := s.db.Exec(`DELETE FROM seen_signals WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep seen signals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
