package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/webterminal/internal/config"
	"github.com/gluk-w/claworc/webterminal/internal/crypto"
	"github.com/gluk-w/claworc/webterminal/internal/database"
	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/gluk-w/claworc/webterminal/internal/sshaudit"
	"github.com/spf13/cobra"
)

var (
	auditLimit  int
	auditClient string
	auditEvent  string
	auditSince  time.Duration

	fernetKey string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recent session audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

var encryptPasswordCmd = &cobra.Command{
	Use:   "encrypt-password [password]",
	Short: "Encrypt an SSH password for WEBTERM_SSH_PASSWORD_ENCRYPTED",
	Long: `Encrypt an SSH password with a fernet key. The password is read from the
argument, or from the first line of stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEncryptPassword,
}

var genKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a fernet key for WEBTERM_FERNET_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Number of entries to print")
	auditCmd.Flags().StringVar(&auditClient, "client", "", "Only entries for this client id")
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "Only entries of this event type")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this (e.g. 24h)")

	encryptPasswordCmd.Flags().StringVar(&fernetKey, "key", os.Getenv("WEBTERM_FERNET_KEY"), "Fernet key (default $WEBTERM_FERNET_KEY)")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	opts := sshaudit.QueryOptions{
		ClientID:  auditClient,
		EventType: auditEvent,
		Limit:     auditLimit,
	}
	if auditSince > 0 {
		since := time.Now().Add(-auditSince)
		opts.Since = &since
	}

	auditor := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	result, err := auditor.Query(opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCLIENT\tEVENT\tREMOTE\tDURATION\tIN\tOUT\tDETAILS")
	for _, e := range result.Entries {
		duration := "-"
		if e.DurationMs > 0 {
			duration = units.HumanDuration(time.Duration(e.DurationMs) * time.Millisecond)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime),
			e.ClientID,
			e.EventType,
			dash(e.RemoteAddr),
			duration,
			units.HumanSize(float64(e.BytesIn)),
			units.HumanSize(float64(e.BytesOut)),
			dash(e.Details),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(result.Entries), result.Total)
	return nil
}

func runEncryptPassword(cmd *cobra.Command, args []string) error {
	if fernetKey == "" {
		return errors.New("no fernet key: pass --key or set WEBTERM_FERNET_KEY (see genkey)")
	}

	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("empty password")
	}

	token, err := crypto.Encrypt(password, fernetKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
