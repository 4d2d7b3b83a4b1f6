package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DeadLetter is a rejected or unprocessable signal retained for
// forensics, per spec.md §4.2's dead-letter requirement.
type DeadLetter struct {
	ID        int64
	SignalID  string
	Reason    string
	Detail    string
	Payload   []byte
	CreatedAt time.Time
}

// AppendDeadLetter records a rejection. Payload is the raw signal
// body, kept so an operator can replay or diagnose it later.
func (s *Store) AppendDeadLetter(d *DeadLetter) error {
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (signal_id, reason, detail, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.SignalID, d.Reason, d.Detail, d.Payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: append dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters, newest first,
// optionally filtered by reason code.
func (s *Store) ListDeadLetters(reason string, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, signal_id, reason, detail, payload, created_at FROM dead_letters WHERE 1=1`
	var args []interface{}
	if reason != "" {
		query += " AND reason = ?"
		args = append(args, reason)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		var signalID, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&d.ID, &signalID, &d.Reason, &detail, &d.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan dead letter: %w", err)
		}
		d.SignalID = signalID.String
		d.Detail = detail.String
		d.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &d)
	}
	return out, nil
}

// SweepDeadLetters deletes dead letters older than ttl, returning the
// count removed. cmd/operatord does not call it on a schedule, so
// dead letters are kept until something calls it.
func (s *Store) SweepDeadLetters(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	res, err := s.db.Exec(`DELETE FROM dead_letters WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
