// Package chainrpc is a generic JSON-RPC/HTTP client for the
// aggregator quote endpoint and the bundle-auction endpoint the
// Atomic Bundle Builder (spec.md §4.6) depends on. Its request/
// response envelope and call() plumbing are adapted from
// internal/backend/jsonrpc.go's JSONRPCBackend: a monotonic request
// ID, a context-scoped http.Client, and a {jsonrpc, id, method,
// params} envelope unmarshaled into a typed result.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/pkg/helpers"
)

// Client is a JSON-RPC client bound to one endpoint (the quote
// aggregator or the bundle-auction relay; callers construct one of
// each since the two are reached via different URLs but speak the
// same envelope).
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// New constructs a Client. apiKey, if non-empty, is sent as a bearer
// token rather than basic auth -- the teacher's basic-auth path is
// Bitcoin-Core-specific and has no analog on an auction relay.
func New(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Quote is an aggregated route quote for one (token_in, token_out,
// amount) pair.
type Quote struct {
	Route          string
	InAmount       money.Amount
	OutAmount      money.Amount
	PriceImpactBps int
	SlippageBps    int
}

// QuoteRequest is the input to Quote.
type QuoteRequest struct {
	TokenIn       string
	TokenOut      string
	Amount        money.Amount
	MaxSlippageBps int
}

// Quote fetches an aggregated route quote via the "getQuote" method.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	result, err := c.call(ctx, "getQuote", []interface{}{
		map[string]interface{}{
			"inputMint":  req.TokenIn,
			"outputMint": req.TokenOut,
			"amount":     int64(req.Amount),
			"slippageBps": req.MaxSlippageBps,
		},
	})
	if err != nil {
		return Quote{}, err
	}

	var raw struct {
		Route          string `json:"route"`
		InAmount       string `json:"inAmount"`
		OutAmount      string `json:"outAmount"`
		PriceImpactBps int    `json:"priceImpactBps"`
		SlippageBps    int    `json:"slippageBps"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return Quote{}, fmt.Errorf("chainrpc: parse getQuote result: %w", err)
	}

	return Quote{
		Route:          raw.Route,
		InAmount:       money.Amount(helpers.HexToInt64(raw.InAmount)),
		OutAmount:      money.Amount(helpers.HexToInt64(raw.OutAmount)),
		PriceImpactBps: raw.PriceImpactBps,
		SlippageBps:    raw.SlippageBps,
	}, nil
}

// BundleHandle identifies a submitted bundle for status polling.
type BundleHandle string

// BundleState is the lifecycle state chainrpc.GetBundleStatus reports;
// internal/bundle maps these onto its own LANDED/NOT_LANDED/REVERTED
// outcomes.
type BundleState string

const (
	BundlePending  BundleState = "PENDING"
	BundleLanded   BundleState = "LANDED"
	BundleReverted BundleState = "REVERTED"
	BundleDropped  BundleState = "DROPPED"
)

// BundleStatus is the result of polling a submitted bundle.
type BundleStatus struct {
	State         BundleState
	Slot          int64
	FillAmount    money.Amount
	EffectivePrice money.Rational
	FeePaid       money.Amount
	TxSignature   string
}

// SubmitBundle signs over the caller; it only forwards already-signed
// transaction bytes and the intended tip to the auction relay via the
// "sendBundle" method.
func (c *Client) SubmitBundle(ctx context.Context, signedTxs [][]byte, tipLamports money.Amount) (BundleHandle, error) {
	encoded := make([]string, len(signedTxs))
	for i, tx := range signedTxs {
		encoded[i] = helpers.BytesToHex(tx)
	}

	result, err := c.call(ctx, "sendBundle", []interface{}{
		encoded,
		map[string]interface{}{"tipLamports": int64(tipLamports)},
	})
	if err != nil {
		return "", fmt.Errorf("chainrpc: sendBundle: %w", err)
	}

	var handle string
	if err := json.Unmarshal(result, &handle); err != nil {
		return "", fmt.Errorf("chainrpc: parse sendBundle result: %w", err)
	}
	return BundleHandle(handle), nil
}

// GetBundleStatus polls the relay for a previously submitted bundle's
// outcome via "getBundleStatuses".
func (c *Client) GetBundleStatus(ctx context.Context, handle BundleHandle) (BundleStatus, error) {
	result, err := c.call(ctx, "getBundleStatuses", []interface{}{[]string{string(handle)}})
	if err != nil {
		return BundleStatus{}, fmt.Errorf("chainrpc: getBundleStatuses: %w", err)
	}

	var raw []struct {
		State          string `json:"state"`
		Slot           int64  `json:"slot"`
		FillAmount     string `json:"fillAmount"`
		EffectivePrice struct {
			Num int64 `json:"num"`
			Den int64 `json:"den"`
		} `json:"effectivePrice"`
		FeePaid     string `json:"feePaid"`
		TxSignature string `json:"txSignature"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return BundleStatus{}, fmt.Errorf("chainrpc: parse getBundleStatuses result: %w", err)
	}
	if len(raw) == 0 {
		return BundleStatus{State: BundlePending}, nil
	}

	r := raw[0]
	return BundleStatus{
		State:          BundleState(r.State),
		Slot:           r.Slot,
		FillAmount:     money.Amount(helpers.HexToInt64(r.FillAmount)),
		EffectivePrice: money.Rational{Num: r.EffectivePrice.Num, Den: r.EffectivePrice.Den},
		FeePaid:        money.Amount(helpers.HexToInt64(r.FeePaid)),
		TxSignature:    r.TxSignature,
	}, nil
}

// RecentTipPercentile returns the P-th percentile (0-100) of the
// relay's recently landed tip distribution, the input to the bundle
// builder's percentile tip-sizing formula.
func (c *Client) RecentTipPercentile(ctx context.Context, percentile float64) (money.Amount, error) {
	result, err := c.call(ctx, "getRecentTipPercentile", []interface{}{percentile})
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getRecentTipPercentile: %w", err)
	}
	var hexTip string
	if err := json.Unmarshal(result, &hexTip); err != nil {
		return 0, fmt.Errorf("chainrpc: parse getRecentTipPercentile result: %w", err)
	}
	return money.Amount(helpers.HexToInt64(hexTip)), nil
}

// LatestBlockhash returns a fresh blockhash for a retried submission.
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []interface{}{})
	if err != nil {
		return "", fmt.Errorf("chainrpc: getLatestBlockhash: %w", err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("chainrpc: parse getLatestBlockhash result: %w", err)
	}
	return hash, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("chainrpc: parse response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("chainrpc: rpc error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}
