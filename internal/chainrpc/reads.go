package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/pkg/helpers"
)

// MintAuthorities is the freeze/mint authority pair a node exposes for
// an SPL-style mint account via "getMintAuthorities".
type MintAuthorities struct {
	FreezeAuthority string
	MintAuthority   string
}

// GetMintAuthorities fetches a token mint's freeze and mint authority
// public keys, empty string meaning revoked/null.
func (c *Client) GetMintAuthorities(ctx context.Context, token string) (MintAuthorities, error) {
	result, err := c.call(ctx, "getMintAuthorities", []interface{}{token})
	if err != nil {
		return MintAuthorities{}, fmt.Errorf("chainrpc: getMintAuthorities: %w", err)
	}
	var raw struct {
		FreezeAuthority string `json:"freezeAuthority"`
		MintAuthority   string `json:"mintAuthority"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return MintAuthorities{}, fmt.Errorf("chainrpc: parse getMintAuthorities result: %w", err)
	}
	return MintAuthorities{FreezeAuthority: raw.FreezeAuthority, MintAuthority: raw.MintAuthority}, nil
}

// GetPoolLiquidityUSD reports the USD-denominated depth of the
// deepest route the aggregator knows for token, via
// "getPoolLiquidity".
func (c *Client) GetPoolLiquidityUSD(ctx context.Context, token string) (money.Amount, error) {
	result, err := c.call(ctx, "getPoolLiquidity", []interface{}{token})
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getPoolLiquidity: %w", err)
	}
	var hexLiquidity string
	if err := json.Unmarshal(result, &hexLiquidity); err != nil {
		return 0, fmt.Errorf("chainrpc: parse getPoolLiquidity result: %w", err)
	}
	return money.Amount(helpers.HexToInt64(hexLiquidity)), nil
}

// GetHolderConcentration reports the fraction of circulating supply
// held by the top holder wallets, via "getTokenLargestAccounts".
func (c *Client) GetHolderConcentration(ctx context.Context, token string) (float64, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []interface{}{token})
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getTokenLargestAccounts: %w", err)
	}
	var raw struct {
		TopHolderFraction float64 `json:"topHolderFraction"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, fmt.Errorf("chainrpc: parse getTokenLargestAccounts result: %w", err)
	}
	return raw.TopHolderFraction, nil
}

// SimulatedRoundTrip is the result of a dry-run buy-then-sell of
// amount of token, as reported by "simulateRoundTrip".
type SimulatedRoundTrip struct {
	SellSucceeded  bool
	BuySlippageBps int
	TransferTaxBps int
}

// SimulateRoundTrip asks the node to dry-run a buy followed
// immediately by a sell of amount of token, the honeypot check
// safety.Oracle drives when HoneypotSimulation is enabled.
func (c *Client) SimulateRoundTrip(ctx context.Context, token string, amount money.Amount) (SimulatedRoundTrip, error) {
	result, err := c.call(ctx, "simulateRoundTrip", []interface{}{token, int64(amount)})
	if err != nil {
		return SimulatedRoundTrip{}, fmt.Errorf("chainrpc: simulateRoundTrip: %w", err)
	}
	var raw struct {
		SellSucceeded  bool `json:"sellSucceeded"`
		BuySlippageBps int  `json:"buySlippageBps"`
		TransferTaxBps int  `json:"transferTaxBps"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return SimulatedRoundTrip{}, fmt.Errorf("chainrpc: parse simulateRoundTrip result: %w", err)
	}
	return SimulatedRoundTrip{
		SellSucceeded:  raw.SellSucceeded,
		BuySlippageBps: raw.BuySlippageBps,
		TransferTaxBps: raw.TransferTaxBps,
	}, nil
}

// GetSignatureStatus reports whether signature is a confirmed,
// non-reverted transaction, via "getSignatureStatuses".
func (c *Client) GetSignatureStatus(ctx context.Context, signature string) (landed bool, err error) {
	result, callErr := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}})
	if callErr != nil {
		return false, fmt.Errorf("chainrpc: getSignatureStatuses: %w", callErr)
	}
	var raw []struct {
		ConfirmationStatus string `json:"confirmationStatus"`
		Err                interface{} `json:"err"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return false, fmt.Errorf("chainrpc: parse getSignatureStatuses result: %w", err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	return raw[0].Err == nil && raw[0].ConfirmationStatus == "finalized", nil
}

// GetTransactionAmount reports the amount actually transferred by a
// landed transaction, via "getTransaction".
func (c *Client) GetTransactionAmount(ctx context.Context, signature string) (money.Amount, error) {
	result, err := c.call(ctx, "getTransaction", []interface{}{signature})
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getTransaction: %w", err)
	}
	var raw struct {
		TransferAmount string `json:"transferAmount"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return 0, fmt.Errorf("chainrpc: parse getTransaction result: %w", err)
	}
	return money.Amount(helpers.HexToInt64(raw.TransferAmount)), nil
}

// GetTokenBalance reports wallet's current on-chain balance of token,
// via "getTokenAccountBalance".
func (c *Client) GetTokenBalance(ctx context.Context, wallet, token string) (money.Amount, error) {
	result, err := c.call(ctx, "getTokenAccountBalance", []interface{}{wallet, token})
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getTokenAccountBalance: %w", err)
	}
	var hexBalance string
	if err := json.Unmarshal(result, &hexBalance); err != nil {
		return 0, fmt.Errorf("chainrpc: parse getTokenAccountBalance result: %w", err)
	}
	return money.Amount(helpers.HexToInt64(hexBalance)), nil
}
