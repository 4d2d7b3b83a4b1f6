package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DiscrepancyKind enumerates the reconciliation findings spec.md §4.11
// names: a trade we believe landed but find no on-chain record of, or
// one whose recorded amount disagrees with the on-chain record.
type DiscrepancyKind string

const (
	DiscrepancyMissingTx       DiscrepancyKind = "MISSING_TX"
	DiscrepancyAmountMismatch  DiscrepancyKind = "AMOUNT_MISMATCH"
)

// ReconciliationDiscrepancy is an open (or resolved) finding from a
// reconciliation pass.
type ReconciliationDiscrepancy struct {
	ID         int64
	TradeUUID  string
	Kind       DiscrepancyKind
	Detail     string
	Resolver   string
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

// AppendDiscrepancy records a new finding.
func (s *Store) AppendDiscrepancy(d *ReconciliationDiscrepancy) error {
	_, err := s.db.Exec(`
		INSERT INTO reconciliation_discrepancies (trade_uuid, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, d.TradeUUID, string(d.Kind), d.Detail, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: append discrepancy: %w", err)
	}
	return nil
}

// ListOpenDiscrepancies returns unresolved findings, oldest first, for
// the Operator API's reconciliation dashboard.
func (s *Store) ListOpenDiscrepancies() ([]*ReconciliationDiscrepancy, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_uuid, kind, detail, resolver, resolved_at, created_at
		FROM reconciliation_discrepancies
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list open discrepancies: %w", err)
	}
	defer rows.Close()
	return scanDiscrepancies(rows)
}

// ResolveDiscrepancy marks a finding resolved by resolver (an
// operator identity or "auto-reconcile").
func (s *Store) ResolveDiscrepancy(id int64, resolver string) error {
	res, err := s.db.Exec(`
		UPDATE reconciliation_discrepancies SET resolver = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL
	`, resolver, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: resolve discrepancy: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("store: discrepancy %d not found or already resolved", id)
	}
	return nil
}

func scanDiscrepancies(rows *sql.Rows) ([]*ReconciliationDiscrepancy, error) {
	var out []*ReconciliationDiscrepancy
	for rows.Next() {
		var d ReconciliationDiscrepancy
		var detail, resolver sql.NullString
		var resolvedAt sql.NullInt64
		var createdAt int64

		if err := rows.Scan(&d.ID, &d.TradeUUID, &d.Kind, &detail, &resolver, &resolvedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan discrepancy: %w", err)
		}
		d.Detail = detail.String
		d.Resolver = resolver.String
		d.CreatedAt = time.Unix(createdAt, 0)
		if resolvedAt.Valid {
			t := time.Unix(resolvedAt.Int64, 0)
			d.ResolvedAt = &t
		}
		out = append(out, &d)
	}
	return out, nil
}
