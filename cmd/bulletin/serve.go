package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/saltmail/bulletin/internal/api"
	"github.com/saltmail/bulletin/internal/dispatch"
	"github.com/saltmail/bulletin/internal/dkim"
	"github.com/saltmail/bulletin/internal/metrics"
	"github.com/saltmail/bulletin/internal/smtp"
	"github.com/saltmail/bulletin/internal/stats"
	"github.com/saltmail/bulletin/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the Bulletin API server for managing recipients, templates and newsletters and triggering dispatch runs.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return fmt.Errorf("relay configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	transport, err := smtp.NewClient(smtp.Config{
		Host:       cfg.Relay.Host,
		Port:       cfg.Relay.Port,
		Encryption: cfg.Relay.Encryption,
		Username:   cfg.Relay.Username,
		Password:   cfg.Relay.Password,
		Hostname:   cfg.Relay.Hostname,
		Timeout:    cfg.Relay.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay client: %w", err)
	}

	if cfg.Relay.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.Relay.DKIM.KeyFile, cfg.Relay.DKIM.Domain, cfg.Relay.DKIM.Selector)
		if err != nil {
			return fmt.Errorf("failed to load DKIM signer: %w", err)
		}
		transport.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.Relay.DKIM.Domain, "selector", cfg.Relay.DKIM.Selector)
	}

	m := metrics.New()
	aggregator := stats.New(st, logger)
	dispatcher := dispatch.New(st, transport, aggregator, m, dispatch.Config{
		From:          cfg.Relay.From,
		Workers:       cfg.Dispatch.Workers,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryInterval: cfg.Dispatch.RetryInterval,
		SendTimeout:   cfg.Dispatch.SendTimeout,
	}, smtp.IsTemporary, logger)

	server := api.NewServer(st, dispatcher, aggregator, m, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
