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
	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/api"
	"github.com/nhle/inbox-triage/internal/credential"
	"github.com/nhle/inbox-triage/internal/sync"
)

const shutdownTimeout = 10 * time.Second

var servePoll bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the mailbox poller and the retrain schedule",
	Long: `Run the HTTP API. Unless --poll=false, every configured account is also
ingested and classified every poll.interval_sec seconds, and when
poll.train_schedule is set every account's model is retrained on that cron
schedule.

Examples:
  # Serve with the default config
  inbox-triage serve

  # API only
  inbox-triage serve --poll=false`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&servePoll, "poll", true, "poll configured accounts in the background")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := initDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	logger := d.logger
	logger.Info("starting inbox-triage",
		zap.String("version", version),
		zap.String("addr", d.cfg.HTTP.Addr),
		zap.Int("accounts", len(d.cfg.Accounts)),
	)

	server, err := api.NewServer(d.svc, logger, d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if servePoll && len(d.cfg.Accounts) > 0 {
		poller := sync.New(
			d.svc,
			credential.IMAPPassword,
			d.cfg.Accounts,
			time.Duration(d.cfg.Poll.IntervalSec)*time.Second,
			logger,
		)
		poller.Start()
		defer poller.Stop()
	}

	if d.cfg.Poll.TrainSchedule != "" {
		scheduler, err := sync.NewScheduler(d.cfg.Poll.TrainSchedule, d.svc, d.cfg.Accounts, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
