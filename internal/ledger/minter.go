package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"osseccti/feed-minter/internal/metrics"
)

// Minter runs the three token operations against a Client. Each call is a
// single blocking submit: no retry, no confirmation polling.
type Minter struct {
	Client Client
	Log    zerolog.Logger
}

// NewMinter creates a minter over client
func NewMinter(client Client, logger zerolog.Logger) *Minter {
	return &Minter{Client: client, Log: logger}
}

// CreateTrustline lets holder accept up to limit of symbol from issuer
func (m *Minter) CreateTrustline(ctx context.Context, holder Wallet, issuer, symbol string, limit decimal.Decimal) (*SubmitResult, error) {
	amount, err := NewIssuedCurrencyAmount(symbol, issuer, limit)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, NewTrustSet(holder.Address, amount), holder, "Trustline Created")
}

// IssueToken mints amount of symbol from the issuer wallet to recipient
func (m *Minter) IssueToken(ctx context.Context, issuer Wallet, recipient, symbol string, amount decimal.Decimal, memos ...Memo) (*SubmitResult, error) {
	if err := ValidateAddress(recipient); err != nil {
		return nil, err
	}
	amt, err := NewIssuedCurrencyAmount(symbol, issuer.Address, amount)
	if err != nil {
		return nil, err
	}
	if amt.Value.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	return m.submit(ctx, NewPayment(issuer.Address, recipient, amt, memos...), issuer, "Token Issued")
}

// TransferToken sends amount of issuer's symbol from sender to recipient
func (m *Minter) TransferToken(ctx context.Context, sender Wallet, recipient, issuer, symbol string, amount decimal.Decimal) (*SubmitResult, error) {
	if err := ValidateAddress(recipient); err != nil {
		return nil, err
	}
	amt, err := NewIssuedCurrencyAmount(symbol, issuer, amount)
	if err != nil {
		return nil, err
	}
	if amt.Value.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	return m.submit(ctx, NewPayment(sender.Address, recipient, amt), sender, "Token Transferred")
}

func (m *Minter) submit(ctx context.Context, tx Transaction, w Wallet, what string) (*SubmitResult, error) {
	start := time.Now()
	res, err := m.Client.SignAndSubmit(ctx, tx, w)
	metrics.LedgerSubmitDuration.WithLabelValues(tx.TxType()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LedgerSubmissions.WithLabelValues(tx.TxType(), "rpc_error").Inc()
		return nil, err
	}
	metrics.LedgerSubmissions.WithLabelValues(tx.TxType(), res.EngineResult).Inc()

	ev := m.Log.Info().
		Str("tx_type", tx.TxType()).
		Str("account", tx.SourceAccount()).
		Str("engine_result", res.EngineResult).
		Str("engine_result_message", res.EngineResultMessage).
		Str("hash", res.Hash)
	if len(res.Raw) > 0 {
		ev = ev.RawJSON("result", res.Raw)
	}
	ev.Msg(what)
	return res, nil
}
