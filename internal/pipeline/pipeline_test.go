package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"osseccti/feed-minter/internal/config"
	"osseccti/feed-minter/internal/history"
	"osseccti/feed-minter/internal/intel"
	"osseccti/feed-minter/internal/ledger"
)

const (
	issuerAddr    = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	recipientAddr = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	thirdAddr     = "rGWrZyQqhTp9Xu7G5Pkayo7bXjH4k4QYpf"
)

type fakeLedger struct {
	txs    []ledger.Transaction
	failOn string
}

func (f *fakeLedger) SignAndSubmit(ctx context.Context, tx ledger.Transaction, w ledger.Wallet) (*ledger.SubmitResult, error) {
	f.txs = append(f.txs, tx)
	if tx.TxType() == f.failOn {
		return nil, errors.New("node unreachable")
	}
	return &ledger.SubmitResult{EngineResult: "tesSUCCESS", Hash: tx.TxType()}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	cfg.Input.Mode = "alert"
	cfg.Feed.OutputPath = filepath.Join(dir, "feed.json")
	cfg.Feed.URI = "https://example.com/ossec-feed.json"
	cfg.Ledger.Issuer = config.WalletCfg{Address: issuerAddr, Seed: "sIssuer"}
	cfg.Ledger.Recipient = config.WalletCfg{Address: recipientAddr, Seed: "sRecipient"}
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, client ledger.Client) *Runner {
	r := New(cfg, zerolog.Nop())
	r.Now = func() time.Time { return time.Date(2024, 12, 14, 12, 34, 56, 0, time.UTC) }
	if client != nil {
		r.Minter = ledger.NewMinter(client, zerolog.Nop())
	}
	return r
}

func TestBuild_SampleLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Feed.STIXPath = filepath.Join(t.TempDir(), "bundle.json")
	r := newRunner(t, cfg, nil)

	res, err := r.Build(context.Background(), SampleLog)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(res.Feed.CTIFeed.Indicators) != 2 {
		t.Fatalf("expected 2 indicators, got %d", len(res.Feed.CTIFeed.Indicators))
	}
	if res.Feed.CTIFeed.LastUpdated != "2024-12-14T12:34:56Z" {
		t.Errorf("unexpected last_updated %q", res.Feed.CTIFeed.LastUpdated)
	}
	if res.Feed.Token.Issuer == nil || *res.Feed.Token.Issuer != issuerAddr {
		t.Errorf("issuer should be populated from config, got %v", res.Feed.Token.Issuer)
	}

	onDisk, err := os.ReadFile(cfg.Feed.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if intel.Digest(onDisk) != res.Digest {
		t.Error("digest does not match the written file")
	}
	if _, err := os.Stat(cfg.Feed.STIXPath); err != nil {
		t.Errorf("stix bundle not written: %v", err)
	}
}

func TestBuild_STIXExportReadsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input.Mode = "line"
	cfg.Feed.STIXPath = filepath.Join(t.TempDir(), "bundle.json")
	r := newRunner(t, cfg, nil)

	log := "Src IP: 10.0.0.9 User: o'brien Rule: 5503 (level 5) -> 'PAM: User login failed.'\n"
	res, err := r.Build(context.Background(), log)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	data, err := os.ReadFile(cfg.Feed.STIXPath)
	if err != nil {
		t.Fatal(err)
	}
	back, err := intel.NewSTIXParser().ParseBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != len(res.Feed.CTIFeed.Indicators) {
		t.Fatalf("bundle has %d indicators, feed has %d", len(back), len(res.Feed.CTIFeed.Indicators))
	}
	for i, ind := range back {
		if ind.Value != res.Feed.CTIFeed.Indicators[i].Value {
			t.Errorf("indicator %d: got %q, want %q", i, ind.Value, res.Feed.CTIFeed.Indicators[i].Value)
		}
	}
}

func TestBuild_EmptyLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Issuer = config.WalletCfg{}
	r := newRunner(t, cfg, nil)

	res, err := r.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if res.Lines != 0 {
		t.Errorf("expected 0 lines, got %d", res.Lines)
	}

	loaded, err := intel.LoadFile(cfg.Feed.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.CTIFeed.Indicators) != 0 {
		t.Errorf("expected no indicators, got %d", len(loaded.CTIFeed.Indicators))
	}
	if loaded.Token.Issuer != nil {
		t.Error("issuer should stay null without a configured wallet")
	}
	if loaded.Token.Name != "OSSECFeedToken" || loaded.CTIFeed.FeedName != "OSSEC Threat Feed" {
		t.Errorf("metadata missing: %+v", loaded)
	}
}

func TestBuild_LineModeSample(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input.Mode = "line"
	r := newRunner(t, cfg, nil)

	res, err := r.Build(context.Background(), SampleLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Feed.CTIFeed.Indicators) != 0 {
		t.Errorf("line mode should not correlate the sample's separate lines, got %d", len(res.Feed.CTIFeed.Indicators))
	}
	if res.Lines != 5 {
		t.Errorf("expected 5 lines, got %d", res.Lines)
	}
}

func TestBuild_WriteFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Feed.OutputPath = filepath.Join(t.TempDir(), "missing", "feed.json")
	r := newRunner(t, cfg, nil)

	if _, err := r.Build(context.Background(), SampleLog); err == nil {
		t.Fatal("expected filesystem error")
	}
}

func TestMint_Sequence(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Transfer.Destination = thirdAddr
	client := &fakeLedger{}
	r := newRunner(t, cfg, client)

	res, err := r.Mint(context.Background(), SampleLog)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if len(client.txs) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(client.txs))
	}

	ts, ok := client.txs[0].(*ledger.TrustSet)
	if !ok || ts.Account != recipientAddr {
		t.Fatalf("first submission should be the recipient's TrustSet, got %#v", client.txs[0])
	}
	if !ts.LimitAmount.Value.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected trust limit %s", ts.LimitAmount.Value)
	}

	issue := client.txs[1].(*ledger.Payment)
	if issue.Account != issuerAddr || issue.Destination != recipientAddr {
		t.Errorf("unexpected issue payment %+v", issue)
	}
	wantDigest := ledger.StrToHex("blake3:" + res.Digest)
	if len(issue.Memos) != 2 || issue.Memos[1].Memo.MemoData != wantDigest {
		t.Errorf("issue memos do not anchor the written feed: %+v", issue.Memos)
	}

	transfer := client.txs[2].(*ledger.Payment)
	if transfer.Account != recipientAddr || transfer.Destination != thirdAddr {
		t.Errorf("unexpected transfer %+v", transfer)
	}
	if res.Transfer == nil {
		t.Error("transfer result missing")
	}
}

func TestMint_NoTransferByDefault(t *testing.T) {
	client := &fakeLedger{}
	r := newRunner(t, testConfig(t), client)

	res, err := r.Mint(context.Background(), SampleLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(client.txs) != 2 || res.Transfer != nil {
		t.Errorf("expected trustline + issue only, got %d submissions", len(client.txs))
	}
}

func TestMint_FailsLoudAndStops(t *testing.T) {
	client := &fakeLedger{failOn: "TrustSet"}
	r := newRunner(t, testConfig(t), client)

	_, err := r.Mint(context.Background(), SampleLog)
	if err == nil {
		t.Fatal("expected trustline failure to surface")
	}
	if len(client.txs) != 1 {
		t.Errorf("no further calls after a failure, got %d", len(client.txs))
	}
}

func TestMint_InvalidLedgerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Issuer.Seed = ""
	client := &fakeLedger{}
	r := newRunner(t, cfg, client)

	if _, err := r.Mint(context.Background(), SampleLog); err == nil {
		t.Fatal("expected config error")
	}
	if len(client.txs) != 0 {
		t.Error("ledger must not be touched with an invalid config")
	}
	if _, err := os.Stat(cfg.Feed.OutputPath); !os.IsNotExist(err) {
		t.Error("feed should not be written when ledger config is invalid")
	}
}

func TestMint_RecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	r := newRunner(t, cfg, &fakeLedger{failOn: "Payment"})
	r.History = store

	res, err := r.Mint(context.Background(), SampleLog)
	if err == nil {
		t.Fatal("expected issue failure")
	}

	runs, err := store.ByDigest(context.Background(), res.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(runs))
	}
	got := runs[0]
	if got.Command != "mint" || got.TrustlineResult != "tesSUCCESS" || got.IssueHash != "" || got.Error == "" {
		t.Errorf("partial progress not recorded correctly: %+v", got)
	}
	if got.IndicatorCount != 2 || got.IPCount != 1 || got.UserCount != 1 {
		t.Errorf("unexpected counts %+v", got)
	}
}

func TestTransfer(t *testing.T) {
	client := &fakeLedger{}
	r := newRunner(t, testConfig(t), client)

	res, err := r.Transfer(context.Background(), thirdAddr, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if res.EngineResult != "tesSUCCESS" {
		t.Errorf("unexpected result %+v", res)
	}
	p := client.txs[0].(*ledger.Payment)
	if p.Amount.Issuer != issuerAddr || p.Account != recipientAddr {
		t.Errorf("unexpected transfer %+v", p)
	}
}

func TestReadInput(t *testing.T) {
	text, err := ReadInput("")
	if err != nil || text != SampleLog {
		t.Errorf("expected sample log, got %q, %v", text, err)
	}

	path := filepath.Join(t.TempDir(), "alerts.log")
	os.WriteFile(path, []byte("User: x Rule: 1 (a) -> 'b'"), 0o644)
	text, err = ReadInput(path)
	if err != nil || text != "User: x Rule: 1 (a) -> 'b'" {
		t.Errorf("unexpected file input %q, %v", text, err)
	}

	if _, err := ReadInput(filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Error("expected error for missing file")
	}
}

// interruptingLedger accepts the trustline, then cancels the run while the
// issue payment is in flight.
type interruptingLedger struct {
	cancel context.CancelFunc
}

func (l *interruptingLedger) SignAndSubmit(ctx context.Context, tx ledger.Transaction, w ledger.Wallet) (*ledger.SubmitResult, error) {
	if tx.TxType() == "TrustSet" {
		return &ledger.SubmitResult{EngineResult: "tesSUCCESS", Hash: "TRUSTHASH"}, nil
	}
	l.cancel()
	return nil, ctx.Err()
}

func TestMint_InterruptedRunStillRecorded(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newRunner(t, testConfig(t), &interruptingLedger{cancel: cancel})
	r.History = store

	res, err := r.Mint(ctx, SampleLog)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	runs, err := store.ByDigest(context.Background(), res.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected the interrupted run to be recorded, got %d runs", len(runs))
	}
	if runs[0].TrustlineHash != "TRUSTHASH" || runs[0].Error == "" {
		t.Errorf("partial progress lost: %+v", runs[0])
	}
}
