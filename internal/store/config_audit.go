package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ConfigAuditEntry is one row of the append-only log of configuration
// mutations made through the Operator API (invariant A8: every
// config change is attributable and traceable).
type ConfigAuditEntry struct {
	ID       int64
	Key      string
	OldValue string
	NewValue string
	Actor    string
	Reason   string
	At       time.Time
}

// AppendConfigAudit records a single key's old/new value. Callers
// append one row per changed field, not one row per request, so the
// audit trail reads as a diff rather than a snapshot dump.
func (s *Store) AppendConfigAudit(e *ConfigAuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO config_audit (key, old_value, new_value, actor, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Key, e.OldValue, e.NewValue, e.Actor, e.Reason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: append config audit: %w", err)
	}
	return nil
}

// ListConfigAudit returns audit entries within [since, until], newest
// first, for the Operator API's audit-trail view.
func (s *Store) ListConfigAudit(since, until time.Time) ([]*ConfigAuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, key, old_value, new_value, actor, reason, at
		FROM config_audit
		WHERE at >= ? AND at <= ?
		ORDER BY at DESC
	`, since.Unix(), until.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: list config audit: %w", err)
	}
	defer rows.Close()

	var out []*ConfigAuditEntry
	for rows.Next() {
		var e ConfigAuditEntry
		var reason sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.Key, &e.OldValue, &e.NewValue, &e.Actor, &reason, &at); err != nil {
			return nil, fmt.Errorf("store: scan config audit: %w", err)
		}
		e.Reason = reason.String
		e.At = time.Unix(at, 0)
		out = append(out, &e)
	}
	return out, nil
}
