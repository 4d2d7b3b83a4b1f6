package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klingon-exchange/operatord/internal/bundle"
	"github.com/klingon-exchange/operatord/internal/chainrpc"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/safety"
	"github.com/klingon-exchange/operatord/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// passingChainReader makes every safety.Oracle check pass.
type passingChainReader struct{}

func (passingChainReader) TokenMeta(ctx context.Context, token string) (safety.TokenMeta, error) {
	return safety.TokenMeta{}, nil
}
func (passingChainReader) LiquidityUSD(ctx context.Context, token string) (money.Amount, error) {
	return money.Amount(1_000_000_00), nil
}
func (passingChainReader) HolderConcentration(ctx context.Context, token string) (float64, error) {
	return 0.05, nil
}
func (passingChainReader) SimulateRoundTrip(ctx context.Context, token string, amount money.Amount) (safety.SimResult, error) {
	return safety.SimResult{SellSucceeded: true}, nil
}

// failingChainReader fails every token on liquidity.
type failingChainReader struct{}

func (failingChainReader) TokenMeta(ctx context.Context, token string) (safety.TokenMeta, error) {
	return safety.TokenMeta{}, nil
}
func (failingChainReader) LiquidityUSD(ctx context.Context, token string) (money.Amount, error) {
	return money.Amount(1), nil
}
func (failingChainReader) HolderConcentration(ctx context.Context, token string) (float64, error) {
	return 0, nil
}
func (failingChainReader) SimulateRoundTrip(ctx context.Context, token string, amount money.Amount) (safety.SimResult, error) {
	return safety.SimResult{SellSucceeded: true}, nil
}

func testSafetyConfig() safety.Config {
	return safety.Config{
		MinLiqShieldUSD: money.Amount(50_000_00), MinLiqSpearUSD: money.Amount(15_000_00),
		HoneypotSimulation: true, CacheCapacity: 16, CacheTTLSeconds: 30,
		HolderConcentrationMax: 0.35,
	}
}

func newPassingOracle(t *testing.T) *safety.Oracle {
	t.Helper()
	o, err := safety.New(testSafetyConfig(), passingChainReader{})
	if err != nil {
		t.Fatalf("safety.New() error = %v", err)
	}
	return o
}

func newFailingOracle(t *testing.T) *safety.Oracle {
	t.Helper()
	o, err := safety.New(testSafetyConfig(), failingChainReader{})
	if err != nil {
		t.Fatalf("safety.New() error = %v", err)
	}
	return o
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(ctx context.Context, quote chainrpc.Quote, tip money.Amount) ([]byte, []byte, error) {
	return []byte("swap"), []byte("tip"), nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(msg []byte) ([]byte, error) { return append([]byte("signed:"), msg...), nil }

// newPaperBundleBuilder returns a bundle.Builder in paper-trade mode
// backed by an httptest relay that always quotes a 1:1, zero-impact
// fill -- enough to drive entry/exit plumbing without a live chain.
func newPaperBundleBuilder(t *testing.T, st *store.Store) *bundle.Builder {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		var result interface{}
		switch req.Method {
		case "getQuote":
			result = map[string]interface{}{
				"route": "A->B", "inAmount": "0x3e8", "outAmount": "0x3e8",
				"priceImpactBps": 0, "slippageBps": 0,
			}
		default:
			result = "0x0"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)

	return bundle.New(
		bundle.Config{PaperTrade: true, ConfirmTimeout: time.Second},
		chainrpc.New(srv.URL, "", time.Second),
		fakeAssembler{}, fakeSigner{}, st,
	)
}

type fakePriceSource struct {
	price money.Rational
	err   error
}

func (f fakePriceSource) MarkPrice(ctx context.Context, token string) (money.Rational, error) {
	if f.err != nil {
		return money.Rational{}, f.err
	}
	return f.price, nil
}
