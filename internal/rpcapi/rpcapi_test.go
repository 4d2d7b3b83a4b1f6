package rpcapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/config"
	"github.com/klingon-exchange/operatord/internal/queue"
	"github.com/klingon-exchange/operatord/internal/roster"
	"github.com/klingon-exchange/operatord/internal/store"
	"github.com/klingon-exchange/operatord/internal/supervisor"
)

type fakeCircuit struct {
	status     supervisor.Status
	resetCalls int
	haltCalls  int
}

func (f *fakeCircuit) Snapshot() supervisor.Status { return f.status }
func (f *fakeCircuit) Reset()                      { f.resetCalls++; f.status.State = supervisor.StateActive }
func (f *fakeCircuit) Halt()                       { f.haltCalls++; f.status.State = supervisor.StateTripped }
func (f *fakeCircuit) TradingAllowed(kind string) bool {
	if kind == "EXIT" {
		return true
	}
	return f.status.State != supervisor.StateTripped
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "operatord-rpcapi-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := store.New(&store.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type testServer struct {
	srv    *Server
	auth   *Authenticator
	store  *store.Store
	cfg    *config.Store
	circuit *fakeCircuit
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := newTestStore(t)
	rr, err := roster.New(st)
	if err != nil {
		t.Fatalf("roster.New() error = %v", err)
	}
	q := queue.New(100, 80)
	cfgStore := config.NewStore(config.Default(), "")
	circuit := &fakeCircuit{status: supervisor.Status{State: supervisor.StateActive}}
	auth := NewAuthenticator([]byte("test-signing-secret"))

	srv := New(auth, st, cfgStore, q, rr, circuit, nil, nil)
	return &testServer{srv: srv, auth: auth, store: st, cfg: cfgStore, circuit: circuit}
}

func (ts *testServer) request(t *testing.T, method, path string, role Role, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	ts.srv.registerRoutes(mux)

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if role != "" {
		token, err := ts.auth.Issue(role, "tester", time.Hour)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", w.Code)
	}
}

func TestListTradesRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/v1/trades", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("GET /v1/trades (no token) status = %d, want 401", w.Code)
	}
}

func TestListTradesWithReadonlyToken(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.store.CreateTrade(&store.Trade{
		TradeUUID: "t1", SignalID: "s1", Strategy: "SHIELD", Side: "BUY",
		WalletAddress: "w1", Token: "tok1",
	}); err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}

	w := ts.request(t, http.MethodGet, "/v1/trades", RoleReadonly, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/trades status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	var trades []*store.Trade
	if err := json.Unmarshal(w.Body.Bytes(), &trades); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(trades) != 1 || trades[0].TradeUUID != "t1" {
		t.Fatalf("trades = %+v, want one trade t1", trades)
	}
}

func TestSetWalletStatusRequiresOperatorRole(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.store.UpsertWallet(&store.Wallet{Address: "w1", Status: store.WalletActive}); err != nil {
		t.Fatalf("UpsertWallet() error = %v", err)
	}

	body := setWalletStatusRequest{Status: "PROBATION", Reason: "manual override"}

	w := ts.request(t, http.MethodPatch, "/v1/wallets/w1", RoleReadonly, body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("PATCH wallet status with readonly role = %d, want 403", w.Code)
	}

	w = ts.request(t, http.MethodPatch, "/v1/wallets/w1", RoleOperator, body)
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH wallet status with operator role = %d, want 200, body = %s", w.Code, w.Body.String())
	}

	got, err := ts.store.GetWallet("w1")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if got.Status != store.WalletProbation {
		t.Errorf("Status = %s, want PROBATION", got.Status)
	}
}

func TestPatchConfigDestructiveFieldRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]interface{}{"MaxLoss24h": 999_999_999}

	w := ts.request(t, http.MethodPatch, "/v1/config/circuit_breakers", RoleOperator, body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("operator patching MaxLoss24h = %d, want 403, body = %s", w.Code, w.Body.String())
	}

	w = ts.request(t, http.MethodPatch, "/v1/config/circuit_breakers", RoleAdmin, body)
	if w.Code != http.StatusOK {
		t.Fatalf("admin patching MaxLoss24h = %d, want 200, body = %s", w.Code, w.Body.String())
	}

	if ts.cfg.Get().CircuitBreakers.MaxLoss24h != 999_999_999 {
		t.Errorf("MaxLoss24h = %d, want 999999999", ts.cfg.Get().CircuitBreakers.MaxLoss24h)
	}

	entries, err := ts.store.ListConfigAudit(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListConfigAudit() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "CircuitBreakers.MaxLoss24h" {
		t.Fatalf("ListConfigAudit() = %+v, want one entry for CircuitBreakers.MaxLoss24h", entries)
	}
}

func TestPatchConfigNonDestructiveFieldAllowsOperator(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]interface{}{"CoolDownMinutes": 15}

	w := ts.request(t, http.MethodPatch, "/v1/config/circuit_breakers", RoleOperator, body)
	if w.Code != http.StatusOK {
		t.Fatalf("operator patching CoolDownMinutes = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if ts.cfg.Get().CircuitBreakers.CoolDownMinutes != 15 {
		t.Errorf("CoolDownMinutes = %d, want 15", ts.cfg.Get().CircuitBreakers.CoolDownMinutes)
	}
}

func TestCircuitHaltRequiresConfirmString(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/v1/circuit/halt", RoleAdmin, haltRequest{Confirm: "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("halt without confirm = %d, want 400", w.Code)
	}
	if ts.circuit.haltCalls != 0 {
		t.Fatalf("haltCalls = %d, want 0", ts.circuit.haltCalls)
	}

	w = ts.request(t, http.MethodPost, "/v1/circuit/halt", RoleAdmin, haltRequest{Confirm: "HALT"})
	if w.Code != http.StatusOK {
		t.Fatalf("halt with confirm = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	if ts.circuit.haltCalls != 1 {
		t.Fatalf("haltCalls = %d, want 1", ts.circuit.haltCalls)
	}
}

func TestCircuitHaltRequiresAdminRole(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodPost, "/v1/circuit/halt", RoleOperator, haltRequest{Confirm: "HALT"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("operator calling halt = %d, want 403", w.Code)
	}
}

func TestCircuitReset(t *testing.T) {
	ts := newTestServer(t)
	ts.circuit.status.State = supervisor.StateTripped

	w := ts.request(t, http.MethodPost, "/v1/circuit/reset", RoleAdmin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", w.Code)
	}
	if ts.circuit.resetCalls != 1 {
		t.Fatalf("resetCalls = %d, want 1", ts.circuit.resetCalls)
	}
}

func TestMetricsEndpointIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("operatord_active_wallets")) {
		t.Errorf("metrics body missing operatord_active_wallets gauge")
	}
}
