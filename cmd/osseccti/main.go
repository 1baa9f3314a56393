package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"osseccti/feed-minter/internal/config"
	"osseccti/feed-minter/internal/history"
	"osseccti/feed-minter/internal/ledger"
	"osseccti/feed-minter/internal/metrics"
	"osseccti/feed-minter/internal/pipeline"
	"osseccti/feed-minter/internal/token"
)

var (
	configFlag string
	cfgPath    string
	cfg        *config.Config

	registerOnce sync.Once
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

var rootCmd = &cobra.Command{
	Use:               "osseccti",
	Short:             "Turn OSSEC alerts into a CTI feed anchored by an XRPL token",
	Long:              "osseccti extracts IP and user indicators from OSSEC alert logs, writes them as a JSON threat feed, and records the feed on the XRP Ledger as an issued token.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file (overrides OSSECCTI_CONFIG env var)")

	buildCmd.Flags().StringVar(&logFlag, "log", "", "OSSEC alert log to read (overrides input.log_file)")
	buildCmd.Flags().StringVar(&outFlag, "out", "", "feed output path (overrides feed.output_path)")
	mintCmd.Flags().StringVar(&logFlag, "log", "", "OSSEC alert log to read (overrides input.log_file)")
	mintCmd.Flags().StringVar(&outFlag, "out", "", "feed output path (overrides feed.output_path)")

	transferCmd.Flags().StringVar(&toFlag, "to", "", "destination address (defaults to ledger.transfer.destination)")
	transferCmd.Flags().StringVar(&amountFlag, "amount", "", "amount to send (defaults to ledger.transfer.amount)")

	readerTokenCmd.Flags().StringVar(&subjectFlag, "subject", "reader", "token subject (consumer name)")
	readerTokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "token lifetime")

	historyCmd.Flags().IntVar(&limitFlag, "limit", 10, "number of runs to list")
	historyCmd.Flags().StringVar(&digestFlag, "digest", "", "only list runs that produced this feed digest")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(readerTokenCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config path (flag > env > ./config.yaml), loads
// it and sets up logging and metrics for every subcommand.
func loadConfig(_ *cobra.Command, _ []string) error {
	cfgPath = configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("OSSECCTI_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}

	c, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = c

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	registerOnce.Do(metrics.MustRegister)

	log.Debug().
		Str("config_path", cfgPath).
		Str("feed_id", cfg.Feed.ID).
		Str("mode", cfg.Input.Mode).
		Str("rpc_url", cfg.Ledger.RPCURL).
		Msg("configuration loaded")
	return nil
}

// signalContext is cancelled on SIGINT/SIGTERM so in-flight RPCs abort
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openHistory() (*history.Store, error) {
	if cfg.History.DSN == "" {
		return nil, nil
	}
	return history.Open(cfg.History.DSN)
}

func newRunner(withLedger bool) (*pipeline.Runner, func(), error) {
	r := pipeline.New(cfg, log.Logger)

	store, err := openHistory()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	if store != nil {
		r.History = store
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("history close failed")
			}
		}
	}

	if withLedger {
		client := ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.LedgerTimeout())
		client.FeeMultMax = cfg.Ledger.FeeMultMax
		r.Minter = ledger.NewMinter(client, log.Logger)
	}
	return r, cleanup, nil
}

// writeTextfile flushes metrics for one-shot runs when configured
func writeTextfile() {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn().Err(err).Str("path", cfg.Metrics.Textfile).Msg("metrics textfile write failed")
	}
}

// --- Build / Mint ---

var (
	logFlag string
	outFlag string
)

func applyInputFlags() {
	if logFlag != "" {
		cfg.Input.LogFile = logFlag
	}
	if outFlag != "" {
		cfg.Feed.OutputPath = outFlag
	}
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Extract indicators and write the feed document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyInputFlags()
		defer writeTextfile()

		text, err := pipeline.ReadInput(cfg.Input.LogFile)
		if err != nil {
			return err
		}
		r, cleanup, err := newRunner(false)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := r.Build(ctx, text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d indicators\tblake3:%s\n",
			cfg.Feed.OutputPath, len(res.Feed.CTIFeed.Indicators), res.Digest)
		return nil
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Build the feed and record it on the ledger",
	Long:  "Builds the feed, creates the recipient trustline, issues the feed token with the feed URI and digest as memos, and optionally transfers it to ledger.transfer.destination.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyInputFlags()
		defer writeTextfile()

		if err := cfg.ValidateLedger(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		text, err := pipeline.ReadInput(cfg.Input.LogFile)
		if err != nil {
			return err
		}
		r, cleanup, err := newRunner(true)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := r.Mint(ctx, text)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "feed\t%s\tblake3:%s\n", cfg.Feed.OutputPath, res.Digest)
		fmt.Fprintf(out, "trustline\t%s\t%s\n", res.Trustline.EngineResult, res.Trustline.Hash)
		fmt.Fprintf(out, "issue\t%s\t%s\n", res.Issue.EngineResult, res.Issue.Hash)
		if res.Transfer != nil {
			fmt.Fprintf(out, "transfer\t%s\t%s\n", res.Transfer.EngineResult, res.Transfer.Hash)
		}
		return nil
	},
}

// --- Transfer ---

var (
	toFlag     string
	amountFlag string
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Send feed tokens from the recipient wallet to another account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dest := toFlag
		if dest == "" {
			dest = cfg.Ledger.Transfer.Destination
		}
		if dest == "" {
			return fmt.Errorf("destination required: pass --to or set ledger.transfer.destination")
		}
		if amountFlag != "" {
			cfg.Ledger.Transfer.Amount = amountFlag
		}
		amount, err := cfg.TransferAmount()
		if err != nil {
			return err
		}
		if err := ledger.ValidateAddress(cfg.Ledger.Issuer.Address); err != nil {
			return fmt.Errorf("ledger.issuer.address: %w", err)
		}

		r, cleanup, err := newRunner(true)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := r.Transfer(ctx, dest, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "transfer\t%s\t%s\t%s %s\n",
			res.EngineResult, res.Hash, amount.String(), cfg.Token.Symbol)
		return nil
	},
}

// --- Reader token ---

var (
	subjectFlag string
	ttlFlag     time.Duration
)

var readerTokenCmd = &cobra.Command{
	Use:   "reader-token",
	Short: "Mint a bearer token for feed consumers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a := cfg.Serve.Auth
		if len(a.Keys) == 0 || a.CurrentKID == "" {
			return fmt.Errorf("serve.auth.keys and serve.auth.current_kid required")
		}
		kr, err := token.NewKeyring(a.Alg, a.Keys, a.CurrentKID, a.Issuer, a.SkewSec)
		if err != nil {
			return fmt.Errorf("keyring: %w", err)
		}
		tok, err := kr.Sign(token.ScopeFeedRead, cfg.Feed.ID, subjectFlag, ttlFlag)
		if err != nil {
			return err
		}
		log.Info().
			Str("subject", subjectFlag).
			Str("feed_id", cfg.Feed.ID).
			Dur("ttl", ttlFlag).
			Msg("reader token minted")
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

// --- History ---

var (
	limitFlag  int
	digestFlag string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent build and mint runs",
	Long:  "Lists recent runs, or with --digest every run that produced the given feed document.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("history.dsn not configured")
		}
		defer store.Close()

		var runs []history.Run
		if digestFlag != "" {
			runs, err = store.ByDigest(cmd.Context(), strings.TrimPrefix(digestFlag, "blake3:"))
		} else {
			runs, err = store.Recent(cmd.Context(), limitFlag)
		}
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tCOMMAND\tINDICATORS\tDIGEST\tISSUE\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				r.StartedAt.Format(time.RFC3339), r.Command, r.IndicatorCount,
				short(r.FeedDigest), orDash(r.IssueResult), orDash(r.Error))
		}
		return tw.Flush()
	},
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return orDash(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "osseccti %s\n", metrics.Version)
	},
}

