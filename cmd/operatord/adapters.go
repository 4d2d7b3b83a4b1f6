package main

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/operatord/internal/chainrpc"
	"github.com/klingon-exchange/operatord/internal/money"
	"github.com/klingon-exchange/operatord/internal/safety"
)

// chainAdapter wraps the two chainrpc.Client instances (one per
// endpoint: the quote aggregator and a regular node, per
// chainrpc.New's doc comment that each endpoint gets its own Client)
// behind the narrow read-only seams strategy, safety, and reconcile
// each declare. It is the only place in this daemon that talks
// directly to chain-specific RPC methods, matching the teacher's
// separation between internal/chain (submission/reads) and
// internal/swap (decision logic) -- everything upstream of this file
// sees only PriceSource/ChainReader/ChainVerifier.
type chainAdapter struct {
	quoteClient *chainrpc.Client
	nodeClient  *chainrpc.Client
	quoteToken  string
}

func newChainAdapter(quoteClient, nodeClient *chainrpc.Client, quoteToken string) *chainAdapter {
	return &chainAdapter{quoteClient: quoteClient, nodeClient: nodeClient, quoteToken: quoteToken}
}

// MarkPrice satisfies strategy.PriceSource by quoting a canonical
// one-unit route from token into the configured quote currency and
// expressing the result as quote-per-token.
func (a *chainAdapter) MarkPrice(ctx context.Context, token string) (money.Rational, error) {
	const oneUnit = money.Amount(1_000_000_000) // 1 token at 9 decimals, canceled out by the ratio below
	quote, err := a.quoteClient.Quote(ctx, chainrpc.QuoteRequest{
		TokenIn:        token,
		TokenOut:       a.quoteToken,
		Amount:         oneUnit,
		MaxSlippageBps: 0,
	})
	if err != nil {
		return money.Rational{}, fmt.Errorf("chainadapter: mark price quote: %w", err)
	}
	if quote.InAmount == 0 {
		return money.Rational{}, fmt.Errorf("chainadapter: mark price quote: zero in-amount for %s", token)
	}
	return money.Rational{Num: int64(quote.OutAmount), Den: int64(quote.InAmount)}, nil
}

// TokenMeta satisfies safety.ChainReader.
func (a *chainAdapter) TokenMeta(ctx context.Context, token string) (safety.TokenMeta, error) {
	auth, err := a.nodeClient.GetMintAuthorities(ctx, token)
	if err != nil {
		return safety.TokenMeta{}, fmt.Errorf("chainadapter: token meta: %w", err)
	}
	return safety.TokenMeta{FreezeAuthority: auth.FreezeAuthority, MintAuthority: auth.MintAuthority}, nil
}

// LiquidityUSD satisfies safety.ChainReader.
func (a *chainAdapter) LiquidityUSD(ctx context.Context, token string) (money.Amount, error) {
	liq, err := a.nodeClient.GetPoolLiquidityUSD(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("chainadapter: liquidity: %w", err)
	}
	return liq, nil
}

// HolderConcentration satisfies safety.ChainReader.
func (a *chainAdapter) HolderConcentration(ctx context.Context, token string) (float64, error) {
	frac, err := a.nodeClient.GetHolderConcentration(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("chainadapter: holder concentration: %w", err)
	}
	return frac, nil
}

// SimulateRoundTrip satisfies safety.ChainReader.
func (a *chainAdapter) SimulateRoundTrip(ctx context.Context, token string, amount money.Amount) (safety.SimResult, error) {
	sim, err := a.nodeClient.SimulateRoundTrip(ctx, token, amount)
	if err != nil {
		return safety.SimResult{}, fmt.Errorf("chainadapter: simulate round trip: %w", err)
	}
	return safety.SimResult{
		SellSucceeded:  sim.SellSucceeded,
		BuySlippageBps: sim.BuySlippageBps,
		TransferTaxBps: sim.TransferTaxBps,
	}, nil
}

// TransactionLanded satisfies reconcile.ChainVerifier.
func (a *chainAdapter) TransactionLanded(ctx context.Context, signature string) (bool, error) {
	landed, err := a.nodeClient.GetSignatureStatus(ctx, signature)
	if err != nil {
		return false, fmt.Errorf("chainadapter: transaction landed: %w", err)
	}
	return landed, nil
}

// ExecutedAmount satisfies reconcile.ChainVerifier.
func (a *chainAdapter) ExecutedAmount(ctx context.Context, signature string) (money.Amount, error) {
	amount, err := a.nodeClient.GetTransactionAmount(ctx, signature)
	if err != nil {
		return 0, fmt.Errorf("chainadapter: executed amount: %w", err)
	}
	return amount, nil
}

// TokenBalance satisfies reconcile.ChainVerifier.
func (a *chainAdapter) TokenBalance(ctx context.Context, wallet, token string) (money.Amount, error) {
	balance, err := a.nodeClient.GetTokenBalance(ctx, wallet, token)
	if err != nil {
		return 0, fmt.Errorf("chainadapter: token balance: %w", err)
	}
	return balance, nil
}

// Healthy satisfies rpcapi.RPCHealth: a fresh blockhash fetch is the
// cheapest call that proves the node endpoint is actually answering,
// the same reachability check LatestBlockhash's own doc comment
// describes it for (a retried submission needing a live blockhash).
func (a *chainAdapter) Healthy(ctx context.Context) bool {
	_, err := a.nodeClient.LatestBlockhash(ctx)
	return err == nil
}

// paperOnlyAssembler satisfies bundle.TxAssembler for the daemon's
// default paper-trade mode, where bundle.Builder.Execute never calls
// Assemble (it short-circuits to paperFill before the assembler is
// touched). Real instruction encoding requires a program-specific
// IDL/ABI this daemon does not carry, and is genuinely out of scope
// for a chain-agnostic bundle package per TxAssembler's own doc
// comment; wiring a live assembler is future work tracked alongside
// turning PaperTrade off.
type paperOnlyAssembler struct{}

func (paperOnlyAssembler) Assemble(ctx context.Context, quote chainrpc.Quote, tip money.Amount) (swapTx, tipTx []byte, err error) {
	return nil, nil, fmt.Errorf("chainadapter: live transaction assembly is not implemented; operatord only supports paper_trade mode")
}
