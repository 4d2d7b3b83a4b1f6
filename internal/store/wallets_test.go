package store

import (
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

func TestUpsertWalletUpdatesOnConflict(t *testing.T) {
	s := newTestStore(t)
	w := &Wallet{Address: "w1", Status: WalletCandidate, WQS: 50, AvgSize: money.Amount(1000)}
	if err := s.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	w.Status = WalletActive
	w.WQS = 90
	if err := s.UpsertWallet(w); err != nil {
		t.Fatalf("UpsertWallet() (update) error = %v", err)
	}

	got, err := s.GetWallet("w1")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if got.Status != WalletActive || got.WQS != 90 {
		t.Errorf("got %+v, want status=ACTIVE wqs=90", got)
	}
}

func TestActiveWalletsFiltersStatus(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertWallet(&Wallet{Address: "a", Status: WalletActive}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	if err := s.UpsertWallet(&Wallet{Address: "b", Status: WalletCandidate}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	active, err := s.ActiveWallets()
	if err != nil {
		t.Fatalf("ActiveWallets() error = %v", err)
	}
	if len(active) != 1 || active[0].Address != "a" {
		t.Fatalf("ActiveWallets() = %+v, want only 'a'", active)
	}
}

func TestListWalletsFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	for _, addr := range []string{"a", "b", "c"} {
		if err := s.UpsertWallet(&Wallet{Address: addr, Status: WalletActive}); err != nil {
			t.Fatalf("UpsertWallet() error = %v", err)
		}
	}
	if err := s.UpsertWallet(&Wallet{Address: "d", Status: WalletCandidate}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	activeOnly := WalletActive
	all, err := s.ListWallets(WalletFilter{Status: &activeOnly})
	if err != nil {
		t.Fatalf("ListWallets() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(ListWallets(ACTIVE)) = %d, want 3", len(all))
	}

	page, err := s.ListWallets(WalletFilter{Status: &activeOnly, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListWallets() paginated error = %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("len(paginated ListWallets) = %d, want 1", len(page))
	}
}

func TestSetWalletStatus(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertWallet(&Wallet{Address: "w1", Status: WalletActive}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	if err := s.SetWalletStatus("w1", WalletProbation); err != nil {
		t.Fatalf("SetWalletStatus() error = %v", err)
	}
	got, err := s.GetWallet("w1")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if got.Status != WalletProbation {
		t.Errorf("Status = %s, want %s", got.Status, WalletProbation)
	}
	if err := s.SetWalletStatus("nonexistent", WalletProbation); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("SetWalletStatus() on unknown address error = %v, want ErrWalletNotFound", err)
	}
}

func TestExpireTTLWallets(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	if err := s.UpsertWallet(&Wallet{Address: "expired", Status: WalletActive, TTLExpiresAt: &past}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}
	if err := s.UpsertWallet(&Wallet{Address: "fresh", Status: WalletActive, TTLExpiresAt: &future}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	demoted, err := s.ExpireTTLWallets(time.Now())
	if err != nil {
		t.Fatalf("ExpireTTLWallets() error = %v", err)
	}
	if len(demoted) != 1 || demoted[0] != "expired" {
		t.Fatalf("ExpireTTLWallets() = %v, want [expired]", demoted)
	}

	got, err := s.GetWallet("expired")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if got.Status != WalletExpired {
		t.Errorf("Status = %s, want %s", got.Status, WalletExpired)
	}

	stillActive, err := s.GetWallet("fresh")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if stillActive.Status != WalletActive {
		t.Errorf("Status = %s, want %s", stillActive.Status, WalletActive)
	}
}
