// Package pipeline runs the feed stages in order: read log input, extract
// indicators, write the feed document, then (for mint) the three ledger
// calls. Every stage blocks until done and the first error ends the run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"osseccti/feed-minter/internal/config"
	"osseccti/feed-minter/internal/history"
	"osseccti/feed-minter/internal/intel"
	"osseccti/feed-minter/internal/ledger"
	"osseccti/feed-minter/internal/metrics"
)

// SampleLog is used when no input file is configured
const SampleLog = `
** Alert 1589724900.12: - syslog,authentication_failures
2024 Dec 14 12:34:56 hostname->/var/log/secure
Rule: 1002 (level 5) -> 'Failed SSH login.'
Src IP: 192.168.1.100
User: root
`

// Runner wires the stages together
type Runner struct {
	Cfg       *config.Config
	Extractor *intel.Extractor
	Minter    *ledger.Minter  // nil for build-only runs
	History   *history.Store  // optional
	Log       zerolog.Logger
	Now       func() time.Time
}

// BuildResult is the outcome of the extract and write stages
type BuildResult struct {
	Feed   *intel.Feed
	Raw    []byte
	Digest string
	Lines  int
	RunID  string
}

// MintResult adds the ledger submissions to a build
type MintResult struct {
	*BuildResult
	Trustline *ledger.SubmitResult
	Issue     *ledger.SubmitResult
	Transfer  *ledger.SubmitResult // nil when no transfer destination is configured
}

// New creates a runner without ledger access
func New(cfg *config.Config, logger zerolog.Logger) *Runner {
	return &Runner{
		Cfg:       cfg,
		Extractor: intel.NewExtractor(),
		Log:       logger,
		Now:       time.Now,
	}
}

// ReadInput returns the configured log file's text, or SampleLog
func ReadInput(path string) (string, error) {
	if path == "" {
		return SampleLog, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read log input: %w", err)
	}
	return string(b), nil
}

// Build extracts indicators from logText and writes the feed document
func (r *Runner) Build(ctx context.Context, logText string) (*BuildResult, error) {
	run := &history.Run{ID: uuid.NewString(), Command: "build", FeedID: r.Cfg.Feed.ID, StartedAt: r.Now().UTC()}
	res, err := r.build(logText, run)
	r.record(ctx, run, err)
	return res, err
}

func (r *Runner) build(logText string, run *history.Run) (*BuildResult, error) {
	lines := strings.Count(strings.TrimSpace(logText), "\n")
	if strings.TrimSpace(logText) != "" {
		lines++
	}
	metrics.LogLinesScanned.Add(float64(lines))

	indicators := r.Extractor.ExtractMode(logText, r.Cfg.ExtractMode())
	counts := intel.CountByType(indicators)
	for typ, n := range counts {
		metrics.IndicatorsExtracted.WithLabelValues(string(typ)).Add(float64(n))
	}
	r.Log.Info().
		Int("lines", lines).
		Int("indicators", len(indicators)).
		Int("ip", counts[intel.IndicatorIP]).
		Int("user", counts[intel.IndicatorUser]).
		Str("mode", string(r.Cfg.ExtractMode())).
		Msg("indicators extracted")

	feed := intel.NewFeed(r.Cfg.FeedMeta(), indicators, r.Now())
	if addr := r.Cfg.Ledger.Issuer.Address; addr != "" {
		feed.SetIssuer(addr)
	}

	raw, err := intel.WriteFile(r.Cfg.Feed.OutputPath, feed)
	if err != nil {
		metrics.FeedWrites.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FeedWrites.WithLabelValues("ok").Inc()
	metrics.FeedLastWrite.SetToCurrentTime()

	digest := intel.Digest(raw)
	r.Log.Info().
		Str("path", r.Cfg.Feed.OutputPath).
		Str("feed_id", feed.CTIFeed.FeedID).
		Str("last_updated", feed.CTIFeed.LastUpdated).
		Str("blake3", digest).
		Msg("feed written")

	if p := r.Cfg.Feed.STIXPath; p != "" {
		bundle, err := intel.CreateBundle(feed)
		if err != nil {
			return nil, fmt.Errorf("stix export: %w", err)
		}
		back, err := intel.NewSTIXParser().ParseBundle(bundle)
		if err != nil {
			return nil, fmt.Errorf("stix export: %w", err)
		}
		if len(back) != len(feed.CTIFeed.Indicators) {
			return nil, fmt.Errorf("stix export: bundle reads back %d of %d indicators", len(back), len(feed.CTIFeed.Indicators))
		}
		if err := os.WriteFile(p, bundle, 0o644); err != nil {
			return nil, fmt.Errorf("write stix bundle %s: %w", p, err)
		}
		r.Log.Info().Str("path", p).Msg("stix bundle written")
	}

	run.FeedPath = r.Cfg.Feed.OutputPath
	run.FeedDigest = digest
	run.IndicatorCount = len(indicators)
	run.IPCount = counts[intel.IndicatorIP]
	run.UserCount = counts[intel.IndicatorUser]

	return &BuildResult{Feed: feed, Raw: raw, Digest: digest, Lines: lines, RunID: run.ID}, nil
}

// Mint builds the feed, then creates the recipient's trustline, issues the
// token with the feed memos and, if configured, transfers it onward.
func (r *Runner) Mint(ctx context.Context, logText string) (*MintResult, error) {
	if r.Minter == nil {
		return nil, fmt.Errorf("mint: no ledger client configured")
	}
	if err := r.Cfg.ValidateLedger(); err != nil {
		return nil, err
	}
	limit, err := r.Cfg.TrustLimit()
	if err != nil {
		return nil, err
	}
	amount, err := r.Cfg.IssueAmount()
	if err != nil {
		return nil, err
	}

	run := &history.Run{ID: uuid.NewString(), Command: "mint", FeedID: r.Cfg.Feed.ID, StartedAt: r.Now().UTC()}
	res, err := r.mint(ctx, logText, run, limit, amount)
	r.record(ctx, run, err)
	return res, err
}

func (r *Runner) mint(ctx context.Context, logText string, run *history.Run, limit, amount decimal.Decimal) (*MintResult, error) {
	built, err := r.build(logText, run)
	if err != nil {
		return nil, err
	}
	out := &MintResult{BuildResult: built}

	issuer := r.Cfg.IssuerWallet()
	recipient := r.Cfg.RecipientWallet()
	symbol := r.Cfg.Token.Symbol

	out.Trustline, err = r.Minter.CreateTrustline(ctx, recipient, issuer.Address, symbol, limit)
	if err != nil {
		return out, fmt.Errorf("create trustline: %w", err)
	}
	run.TrustlineHash, run.TrustlineResult = out.Trustline.Hash, out.Trustline.EngineResult

	memos := ledger.FeedMemos(r.Cfg.Feed.URI, built.Digest)
	out.Issue, err = r.Minter.IssueToken(ctx, issuer, recipient.Address, symbol, amount, memos...)
	if err != nil {
		return out, fmt.Errorf("issue token: %w", err)
	}
	run.IssueHash, run.IssueResult = out.Issue.Hash, out.Issue.EngineResult

	if dest := r.Cfg.Ledger.Transfer.Destination; dest != "" {
		transferAmount, err := r.Cfg.TransferAmount()
		if err != nil {
			return out, err
		}
		out.Transfer, err = r.Minter.TransferToken(ctx, recipient, dest, issuer.Address, symbol, transferAmount)
		if err != nil {
			return out, fmt.Errorf("transfer token: %w", err)
		}
		run.TransferHash, run.TransferResult = out.Transfer.Hash, out.Transfer.EngineResult
	}

	return out, nil
}

// Transfer sends amount of the configured token from the recipient wallet
// to dest. It is the standalone form of the optional third mint step.
func (r *Runner) Transfer(ctx context.Context, dest string, amount decimal.Decimal) (*ledger.SubmitResult, error) {
	if r.Minter == nil {
		return nil, fmt.Errorf("transfer: no ledger client configured")
	}
	recipient := r.Cfg.RecipientWallet()
	if err := recipient.Validate(); err != nil {
		return nil, fmt.Errorf("ledger.recipient: %w", err)
	}

	run := &history.Run{ID: uuid.NewString(), Command: "transfer", FeedID: r.Cfg.Feed.ID, StartedAt: r.Now().UTC()}
	res, err := r.Minter.TransferToken(ctx, recipient, dest, r.Cfg.Ledger.Issuer.Address, r.Cfg.Token.Symbol, amount)
	if err == nil {
		run.TransferHash, run.TransferResult = res.Hash, res.EngineResult
	}
	r.record(ctx, run, err)
	return res, err
}

// record persists a run; history failures are logged, never fatal. The
// write ignores cancellation so an interrupted run still keeps the hashes
// of transactions that already reached the ledger.
func (r *Runner) record(ctx context.Context, run *history.Run, runErr error) {
	if r.History == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.History.Record(ctx, run); err != nil {
		r.Log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run history")
	}
}
