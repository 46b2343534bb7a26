package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/saltmail/bulletin/internal/dispatch"
	"github.com/saltmail/bulletin/internal/dkim"
	"github.com/saltmail/bulletin/internal/metrics"
	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/smtp"
	"github.com/saltmail/bulletin/internal/stats"
	"github.com/saltmail/bulletin/internal/store"
)

// Exit codes for the dispatch command
const (
	exitOK              = 0
	exitNotFound        = 1
	exitConflict        = 2
	exitTransportConfig = 3
)

var dispatchResume bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <newsletter-id>",
	Short: "Dispatch a newsletter to all of its recipients",
	Long: `Dispatch a newsletter: deliver its message to every recipient through the
configured relay, recording one terminal attempt per recipient.

Exit codes: 0 success, 1 not found, 2 already running, 3 transport configuration error.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDispatch(args[0]))
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchResume, "resume", false, "resume an interrupted run, skipping recipients already attempted")
}

func runDispatch(newsletterID string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitTransportConfig
	}
	if err := cfg.ValidateRelay(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: relay configuration: %v\n", err)
		return exitTransportConfig
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		return exitNotFound
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
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitTransportConfig
	}

	if cfg.Relay.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.Relay.DKIM.KeyFile, cfg.Relay.DKIM.Domain, cfg.Relay.DKIM.Selector)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load DKIM signer: %v\n", err)
			return exitTransportConfig
		}
		transport.SetDKIMSigner(signer)
	}

	aggregator := stats.New(st, logger)
	dispatcher := dispatch.New(st, transport, aggregator, metrics.New(), dispatch.Config{
		From:          cfg.Relay.From,
		Workers:       cfg.Dispatch.Workers,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryInterval: cfg.Dispatch.RetryInterval,
		SendTimeout:   cfg.Dispatch.SendTimeout,
	}, smtp.IsTemporary, logger)

	// SIGINT cancels the run: in-flight sends finish, the rest stays
	// undelivered and can be resumed with --resume.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := dispatcher.Dispatch(ctx, newsletterID, dispatch.Options{Resume: dispatchResume})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			fmt.Fprintf(os.Stderr, "Error: newsletter %s not found\n", newsletterID)
			return exitNotFound
		case errors.Is(err, models.ErrConflict):
			fmt.Fprintf(os.Stderr, "Error: newsletter %s is already running (use --resume or 'newsletter reset')\n", newsletterID)
			return exitConflict
		case errors.Is(err, context.Canceled) && result != nil:
			fmt.Printf("Dispatch interrupted: %d succeeded, %d failed, newsletter left running\n",
				result.Succeeded, result.Failed)
			return exitOK
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitNotFound
		}
	}

	fmt.Printf("Newsletter %s dispatched: %d succeeded, %d failed\n",
		newsletterID, result.Succeeded, result.Failed)
	return exitOK
}
