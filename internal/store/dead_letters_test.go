package store

import (
	"testing"
	"time"
)

func TestDeadLetterAppendAndList(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendDeadLetter(&DeadLetter{SignalID: "s1", Reason: "QUEUE_FULL", Detail: "queue at capacity"}); err != nil {
		t.Fatalf("AppendDeadLetter() error = %v", err)
	}
	if err := s.AppendDeadLetter(&DeadLetter{SignalID: "s2", Reason: "SAFETY_REJECT", Detail: "honeypot"}); err != nil {
		t.Fatalf("AppendDeadLetter() error = %v", err)
	}

	all, err := s.ListDeadLetters("", 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListDeadLetters() returned %d, want 2", len(all))
	}

	filtered, err := s.ListDeadLetters("SAFETY_REJECT", 0)
	if err != nil {
		t.Fatalf("ListDeadLetters(SAFETY_REJECT) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].SignalID != "s2" {
		t.Fatalf("ListDeadLetters(SAFETY_REJECT) = %+v, want only s2", filtered)
	}
}

func TestSweepDeadLettersRemovesOldOnly(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendDeadLetter(&DeadLetter{SignalID: "s1", Reason: "QUEUE_FULL"}); err != nil {
		t.Fatalf("AppendDeadLetter() error = %v", err)
	}

	n, err := s.SweepDeadLetters(time.Hour)
	if err != nil {
		t.Fatalf("SweepDeadLetters() error = %v", err)
	}
	if n != 0 {
		t.Errorf("SweepDeadLetters(1h) removed %d rows, want 0 (too recent)", n)
	}

	n, err = s.SweepDeadLetters(-time.Second)
	if err != nil {
		t.Fatalf("SweepDeadLetters() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SweepDeadLetters(negative window) removed %d rows, want 1", n)
	}
}
