package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type submitted struct {
	tx     Transaction
	wallet Wallet
}

type recordingClient struct {
	calls []submitted
	err   error
}

func (c *recordingClient) SignAndSubmit(ctx context.Context, tx Transaction, w Wallet) (*SubmitResult, error) {
	c.calls = append(c.calls, submitted{tx: tx, wallet: w})
	if c.err != nil {
		return nil, c.err
	}
	return &SubmitResult{EngineResult: "tesSUCCESS", Hash: "00"}, nil
}

func TestMinter_CreateTrustline(t *testing.T) {
	client := &recordingClient{}
	m := NewMinter(client, zerolog.Nop())
	holder := Wallet{Address: recipientAddr, Seed: "sHolder"}

	if _, err := m.CreateTrustline(context.Background(), holder, issuerAddr, "OSEC", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("CreateTrustline failed: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(client.calls))
	}
	ts, ok := client.calls[0].tx.(*TrustSet)
	if !ok {
		t.Fatalf("expected TrustSet, got %T", client.calls[0].tx)
	}
	if ts.Account != recipientAddr || ts.LimitAmount.Issuer != issuerAddr {
		t.Errorf("unexpected trustset %+v", ts)
	}
	if client.calls[0].wallet != holder {
		t.Error("trustline must be signed by the holder")
	}
}

func TestMinter_IssueToken(t *testing.T) {
	client := &recordingClient{}
	m := NewMinter(client, zerolog.Nop())
	issuer := Wallet{Address: issuerAddr, Seed: "sIssuer"}

	memos := FeedMemos("https://example.com/ossec-feed.json", "d1")
	if _, err := m.IssueToken(context.Background(), issuer, recipientAddr, "OSEC", decimal.NewFromInt(1), memos...); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	p := client.calls[0].tx.(*Payment)
	if p.Account != issuerAddr || p.Destination != recipientAddr {
		t.Errorf("unexpected payment routing %+v", p)
	}
	if p.Amount.Issuer != issuerAddr || p.Amount.Value.String() != "1" {
		t.Errorf("unexpected amount %+v", p.Amount)
	}
	if len(p.Memos) != 2 {
		t.Errorf("expected 2 memos, got %d", len(p.Memos))
	}
}

func TestMinter_TransferToken(t *testing.T) {
	client := &recordingClient{}
	m := NewMinter(client, zerolog.Nop())
	sender := Wallet{Address: recipientAddr, Seed: "sSender"}
	third := "rGWrZyQqhTp9Xu7G5Pkayo7bXjH4k4QYpf"

	if _, err := m.TransferToken(context.Background(), sender, third, issuerAddr, "OSEC", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("TransferToken failed: %v", err)
	}
	p := client.calls[0].tx.(*Payment)
	if p.Account != recipientAddr || p.Destination != third || p.Amount.Issuer != issuerAddr {
		t.Errorf("unexpected transfer %+v", p)
	}
	if len(p.Memos) != 0 {
		t.Error("transfers carry no memos")
	}
}

func TestMinter_RejectsBeforeSubmitting(t *testing.T) {
	client := &recordingClient{}
	m := NewMinter(client, zerolog.Nop())
	issuer := Wallet{Address: issuerAddr, Seed: "sIssuer"}

	if _, err := m.IssueToken(context.Background(), issuer, "not-an-address", "OSEC", decimal.NewFromInt(1)); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := m.IssueToken(context.Background(), issuer, recipientAddr, "OSEC", decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := m.CreateTrustline(context.Background(), issuer, issuerAddr, "XRP", decimal.NewFromInt(1)); !errors.Is(err, ErrInvalidCurrency) {
		t.Errorf("expected ErrInvalidCurrency, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("invalid requests reached the client: %d", len(client.calls))
	}
}

func TestMinter_PropagatesClientError(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewMinter(&recordingClient{err: boom}, zerolog.Nop())

	_, err := m.CreateTrustline(context.Background(), Wallet{Address: recipientAddr, Seed: "s"}, issuerAddr, "OSEC", decimal.NewFromInt(1))
	if !errors.Is(err, boom) {
		t.Errorf("expected client error, got %v", err)
	}
}
