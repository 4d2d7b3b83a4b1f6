package store

import (
	"testing"
	"time"
)

func TestConfigAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendConfigAudit(&ConfigAuditEntry{
		Key: "position_sizing.max_size", OldValue: "2000000000", NewValue: "3000000000",
		Actor: "operator-1", Reason: "raising risk cap",
	}); err != nil {
		t.Fatalf("AppendConfigAudit() error = %v", err)
	}

	entries, err := s.ListConfigAudit(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListConfigAudit() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListConfigAudit() returned %d, want 1", len(entries))
	}
	if entries[0].Key != "position_sizing.max_size" || entries[0].Actor != "operator-1" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestConfigAuditRangeExcludesOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendConfigAudit(&ConfigAuditEntry{Key: "k", OldValue: "a", NewValue: "b", Actor: "op"}); err != nil {
		t.Fatalf("AppendConfigAudit() error = %v", err)
	}

	entries, err := s.ListConfigAudit(time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListConfigAudit() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ListConfigAudit(future window) returned %d, want 0", len(entries))
	}
}
