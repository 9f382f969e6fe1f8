// Package main implements the inbox-triage CLI and daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/inbox-triage/internal/credential"
	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/modelstore"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/source/email"
	"github.com/nhle/inbox-triage/internal/store"
	"github.com/nhle/inbox-triage/internal/triage"
)

var (
	// configPath is the YAML configuration file.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "inbox-triage",
	Short: "Learn which emails matter and archive the rest",
	Long: `inbox-triage learns, per user, which incoming emails are urgent from how
long that user spent reading past messages, and archives the ones it
predicts are not.

Run "inbox-triage serve" for the HTTP API and background poller, or use the
subcommands for one-off operations against a single account.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "path to the config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(forgetCmd)
}

// deps holds the wired application components.
type deps struct {
	cfg    *model.AppConfig
	logger *zap.Logger
	store  *store.SQLiteStore
	models *modelstore.FileStore
	svc    *triage.Service
}

// Close releases the database and flushes the logger.
func (d *deps) Close() {
	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing database failed", zap.Error(err))
	}
	_ = d.logger.Sync()
}

// initDeps loads the configuration and wires the store, model store, mail
// opener and triage service.
func initDeps() (*deps, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	models, err := modelstore.NewFileStore(cfg.Models.Dir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to open model store: %w", err)
	}

	svc := triage.NewService(st, models, email.Opener(mailConfig(cfg)),
		triage.WithLogger(logger),
		triage.WithFetchLimit(cfg.IMAP.FetchLimit),
	)

	logger.Debug("initialized",
		zap.String("config", configPath),
		zap.String("database", cfg.Database.Path),
		zap.String("models", models.Dir()),
	)

	return &deps{cfg: cfg, logger: logger, store: st, models: models, svc: svc}, nil
}

func mailConfig(cfg *model.AppConfig) email.Config {
	return email.Config{
		Host:           cfg.IMAP.Host,
		Port:           cfg.IMAP.Port,
		TLS:            cfg.IMAP.TLS,
		Mailbox:        cfg.IMAP.Mailbox,
		ArchiveFolders: cfg.IMAP.ArchiveFolders,
	}
}

// keyringCredentials builds credentials for account from the system keyring.
func keyringCredentials(account string) (source.Credentials, error) {
	pw, err := credential.IMAPPassword(account)
	if err != nil {
		return source.Credentials{}, fmt.Errorf("no stored password for %s, run \"inbox-triage login %s\": %w", account, account, err)
	}
	return source.Credentials{Username: account, Password: pw}, nil
}
