package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/credential"
	"github.com/nhle/inbox-triage/internal/model"
	"github.com/nhle/inbox-triage/internal/source"
	"github.com/nhle/inbox-triage/internal/source/email"
	"github.com/nhle/inbox-triage/internal/triage"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <email>",
	Short: "Fetch new messages for an account into the history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := initDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		creds, err := keyringCredentials(args[0])
		if err != nil {
			return err
		}

		res, err := d.svc.Ingest(cmd.Context(), creds)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d emails (%d new).\n", res.Fetched, res.Inserted)
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train <email>",
	Short: "Retrain an account's urgency model from its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := initDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.svc.Train(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"Model trained successfully: %d records, %d urgent, %d terms (version %s).\n",
			res.Records, res.Positives, res.VocabularySize, res.Version,
		)
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <email>",
	Short: "Classify pending messages and archive the non-urgent ones",
	Long: `Classify every message of the account that has no urgency decision yet,
using the account's stored model, and archive the ones predicted not urgent.
The model is not retrained.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := initDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		creds, err := keyringCredentials(args[0])
		if err != nil {
			return err
		}

		res, err := d.svc.ProcessAndArchive(cmd.Context(), creds)
		if errors.Is(err, triage.ErrModelNotFound) {
			return fmt.Errorf("no model for %s, run \"inbox-triage train %s\" first", args[0], args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if res.Processed == 0 {
			fmt.Fprintln(out, "No new emails to process.")
			return nil
		}
		fmt.Fprintf(out, "Processed %d emails: %d urgent, %d archived", res.Processed, res.Urgent, res.Archived)
		if res.ArchiveFailed > 0 {
			fmt.Fprintf(out, ", %d could not be archived", res.ArchiveFailed)
		}
		fmt.Fprintln(out, ".")
		return nil
	},
}

var loginPasswordStdin bool

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Store an account's IMAP password and add it to the poller",
	Long: `Verify the IMAP password against the configured server, store it in the
system keyring, and add the account to the accounts list in the config file.

Examples:
  # Prompt for the password
  inbox-triage login alice@example.com

  # Read it from a pipe
  pass show mail/alice | inbox-triage login --password-stdin alice@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := args[0]

		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}

		if !loginPasswordStdin {
			fmt.Fprintf(cmd.ErrOrStderr(), "IMAP password for %s: ", account)
		}
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		mailbox := email.NewAdapter(mailConfig(cfg), source.Credentials{Username: account, Password: password})
		if _, err := mailbox.ValidateConnection(cmd.Context()); err != nil {
			return err
		}

		if err := credential.Set(credential.IMAPKey(account), password); err != nil {
			return err
		}

		if !slices.Contains(cfg.Accounts, account) {
			cfg.Accounts = append(cfg.Accounts, account)
			if err := model.SaveConfig(configPath, cfg); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", account)
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "read the password from stdin without prompting")
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	return pw, nil
}

var forgetCmd = &cobra.Command{
	Use:   "forget <email>",
	Short: "Delete an account's model, stored password and config entry",
	Long: `Delete the account's trained model and stored IMAP password and remove it
from the accounts list. Its message history stays in the database, so a
later "train" rebuilds the same model.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := args[0]

		d, err := initDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.models.Delete(account); err != nil {
			return err
		}
		if err := credential.Delete(credential.IMAPKey(account)); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}

		if i := slices.Index(d.cfg.Accounts, account); i >= 0 {
			d.cfg.Accounts = slices.Delete(d.cfg.Accounts, i, i+1)
			if err := model.SaveConfig(configPath, d.cfg); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s.\n", account)
		return nil
	},
}
