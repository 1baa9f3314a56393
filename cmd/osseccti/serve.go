package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"osseccti/feed-minter/internal/config"
	"osseccti/feed-minter/internal/httputil"
	"osseccti/feed-minter/internal/intel"
	"osseccti/feed-minter/internal/rate"
	"osseccti/feed-minter/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the feed document and its TAXII 2.1 collection",
	Long:  "Serves /feed.json and a read-only TAXII collection named after feed.id. Send SIGHUP to reload the feed file after a new build.",
	RunE:  runServe,
}

// buildRouter wires the read-only feed endpoints. When auth is enabled the
// feed and TAXII routes require a feed:read bearer token; /healthz and
// /metrics stay open.
func buildRouter(c *config.Config, taxii *intel.TAXIIServer) (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(httputil.RequestIDMiddleware(log.Logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"feed_id":    c.Feed.ID,
			"uptime":     time.Since(startTime).Round(time.Second).String(),
			"request_id": httputil.GetRequestID(req.Context()),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(rate.Middleware(rate.NewSlidingRPS(10), c.Serve.RateLimitRPS, log.Logger))
	if c.Serve.Auth.Enabled {
		a := c.Serve.Auth
		kr, err := token.NewKeyring(a.Alg, a.Keys, a.CurrentKID, a.Issuer, a.SkewSec)
		if err != nil {
			return nil, fmt.Errorf("keyring: %w", err)
		}
		api.Use(kr.Middleware(token.ScopeFeedRead, c.Feed.ID))
	}
	taxii.Routes(api)
	return r, nil
}

// publishFromDisk loads the feed file and hands it to the TAXII server
func publishFromDisk(taxii *intel.TAXIIServer, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read feed %s: %w", path, err)
	}
	feed, err := intel.LoadFile(path)
	if err != nil {
		return err
	}
	published, err := taxii.PublishFeed(feed, raw)
	if err != nil {
		return err
	}
	if !published {
		log.Info().Str("path", path).Str("blake3", intel.Digest(raw)).Msg("feed unchanged, nothing to publish")
		return nil
	}
	log.Info().
		Str("path", path).
		Str("last_updated", feed.CTIFeed.LastUpdated).
		Int("indicators", len(feed.CTIFeed.Indicators)).
		Str("blake3", intel.Digest(raw)).
		Msg("feed published")
	return nil
}

// System uptime tracking
var startTime = time.Now()

func runServe(_ *cobra.Command, _ []string) error {
	taxii := intel.NewTAXIIServer()
	taxii.RegisterCollection(cfg.Feed.ID, cfg.Feed.Name, cfg.Token.Description)

	if err := publishFromDisk(taxii, cfg.Feed.OutputPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log.Warn().Str("path", cfg.Feed.OutputPath).Msg("feed file not found; run build first or send SIGHUP once it exists")
	}

	router, err := buildRouter(cfg, taxii)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Serve.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Serve.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Serve.Listen).
			Str("collection", cfg.Feed.ID).
			Bool("auth", cfg.Serve.Auth.Enabled).
			Msg("feed server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(reload)
	defer signal.Stop(shutdown)

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-reload:
			if err := publishFromDisk(taxii, cfg.Feed.OutputPath); err != nil {
				log.Error().Err(err).Msg("feed reload failed")
			}
		case sig := <-shutdown:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
				srv.Close()
			}
			log.Info().Msg("shutdown complete")
			return nil
		}
	}
}
