package chainrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
)

func rpcHandler(t *testing.T, results map[string]interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestQuoteParsesResult(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"getQuote": map[string]interface{}{
			"route":          "A->B",
			"inAmount":       "0x3e8",
			"outAmount":      "0x7d0",
			"priceImpactBps": 12,
			"slippageBps":    50,
		},
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	q, err := c.Quote(context.Background(), QuoteRequest{
		TokenIn: "token-a", TokenOut: "token-b", Amount: money.Amount(1000), MaxSlippageBps: 50,
	})
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if q.Route != "A->B" {
		t.Fatalf("Route = %q, want A->B", q.Route)
	}
	if q.InAmount != money.Amount(1000) || q.OutAmount != money.Amount(2000) {
		t.Fatalf("InAmount/OutAmount = %d/%d, want 1000/2000", q.InAmount, q.OutAmount)
	}
}

func TestSubmitBundleReturnsHandle(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"sendBundle": "bundle-handle-1",
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", time.Second)
	handle, err := c.SubmitBundle(context.Background(), [][]byte{[]byte("signed-tx"), []byte("tip-tx")}, money.Amount(5000))
	if err != nil {
		t.Fatalf("SubmitBundle() error = %v", err)
	}
	if handle != "bundle-handle-1" {
		t.Fatalf("handle = %q, want bundle-handle-1", handle)
	}
}

func TestGetBundleStatusReportsLanded(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"getBundleStatuses": []map[string]interface{}{
			{
				"state":          "LANDED",
				"slot":           12345,
				"fillAmount":     "0x7d0",
				"effectivePrice": map[string]int64{"num": 11, "den": 10},
				"feePaid":        "0x64",
				"txSignature":    "sig-abc",
			},
		},
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	status, err := c.GetBundleStatus(context.Background(), BundleHandle("bundle-handle-1"))
	if err != nil {
		t.Fatalf("GetBundleStatus() error = %v", err)
	}
	if status.State != BundleLanded {
		t.Fatalf("State = %q, want LANDED", status.State)
	}
	if status.FillAmount != money.Amount(2000) {
		t.Fatalf("FillAmount = %d, want 2000", status.FillAmount)
	}
	if status.TxSignature != "sig-abc" {
		t.Fatalf("TxSignature = %q, want sig-abc", status.TxSignature)
	}
}

func TestGetBundleStatusReportsPendingWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"getBundleStatuses": []map[string]interface{}{},
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	status, err := c.GetBundleStatus(context.Background(), BundleHandle("unknown"))
	if err != nil {
		t.Fatalf("GetBundleStatus() error = %v", err)
	}
	if status.State != BundlePending {
		t.Fatalf("State = %q, want PENDING", status.State)
	}
}

func TestRecentTipPercentileParsesHex(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]interface{}{
		"getRecentTipPercentile": "0x1e8480",
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	tip, err := c.RecentTipPercentile(context.Background(), 65)
	if err != nil {
		t.Fatalf("RecentTipPercentile() error = %v", err)
	}
	if tip != money.Amount(2_000_000) {
		t.Fatalf("tip = %d, want 2000000", tip)
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]interface{}{"code": -32000, "message": "simulation failed"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Quote(context.Background(), QuoteRequest{TokenIn: "a", TokenOut: "b", Amount: money.Amount(1)})
	if err == nil {
		t.Fatal("expected an error when the relay returns an RPC error object")
	}
}
