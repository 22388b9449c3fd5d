package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/webterminal/internal/bridge"
	"github.com/gluk-w/claworc/webterminal/internal/config"
	"github.com/gluk-w/claworc/webterminal/internal/crypto"
	"github.com/gluk-w/claworc/webterminal/internal/database"
	"github.com/gluk-w/claworc/webterminal/internal/handlers"
	"github.com/gluk-w/claworc/webterminal/internal/logging"
	"github.com/gluk-w/claworc/webterminal/internal/sshaudit"
	"github.com/gluk-w/claworc/webterminal/internal/sshterminal"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var log = logging.Component("main")

var configFile string

var rootCmd = &cobra.Command{
	Use:   "webterminal",
	Short: "Bridge browser terminals to a remote SSH shell",
	Long: `webterminal serves a websocket endpoint on which each client connection
gets its own interactive shell on a fixed SSH host. Output is streamed back
as it arrives; sessions are closed when the client leaves or after an hour
without activity.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the terminal server (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides WEBTERM_CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd, auditCmd, encryptPasswordCmd, genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and initialises logging.
func setup() error {
	if configFile != "" {
		os.Setenv("WEBTERM_CONFIG_FILE", configFile)
	}
	if err := config.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return logging.Init(logging.Options{
		Level:  config.Cfg.LogLevel,
		Format: config.Cfg.LogFormat,
		Path:   config.Cfg.LogPath,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := setup(); err != nil {
		return err
	}
	defer logging.Close()
	cfg := config.Cfg

	password, err := cfg.Password()
	if err != nil {
		return err
	}
	command, err := sshterminal.StartupCommand(cfg.SSHCommand, cfg.SSHCommandEnv, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("ssh command: %w", err)
	}
	sshOpts := sshterminal.Options{
		Host:     cfg.SSHHost,
		Port:     cfg.SSHPort,
		User:     cfg.SSHUser,
		Password: password,
		Command:  command,
		Timeout:  cfg.SSHConnectTimeout,
	}
	target := cfg.SSHUser + "@" + net.JoinHostPort(cfg.SSHHost, strconv.Itoa(cfg.SSHPort))

	log.WithFields(map[string]any{
		"listen":       cfg.ListenAddr,
		"namespace":    cfg.Namespace,
		"target":       target,
		"password":     crypto.Mask(password),
		"command":      cfg.SSHCommand,
		"idle_timeout": cfg.IdleTimeout.String(),
		"audit":        cfg.AuditEnabled,
	}).Info("Config loaded")

	jobs := cron.New()

	var auditor bridge.Auditor
	if cfg.AuditEnabled {
		if err := database.Init(cfg.DatabasePath); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		a := sshaudit.NewAuditor(database.DB, cfg.AuditRetentionDays)
		if err := a.SchedulePurge(jobs, "@daily"); err != nil {
			return err
		}
		handlers.AuditLog = a
		auditor = a
	}

	terminals := bridge.New(bridge.Config{
		Dial: func(ctx context.Context, clientID string, h sshterminal.Handler) (bridge.Terminal, error) {
			s, err := sshterminal.Dial(ctx, sshOpts, clientID, h)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Target:        target,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Auditor:       auditor,
	})
	handlers.Terminals = terminals
	if err := terminals.Start(); err != nil {
		return err
	}
	jobs.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.NewRouter(cfg.Namespace),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-sigCtx.Done():
		log.Info("Shutting down...")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("Server error")
	}

	<-jobs.Stop().Done()
	if err := terminals.Shutdown(); err != nil {
		log.WithError(err).Warn("Session teardown had errors")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped")
	return runErr
}
