package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-labs/pibot/internal/audit"
	agent "github.com/nous-labs/pibot/internal/daemon"
	"github.com/nous-labs/pibot/pkg/daemon"
)

// Version info set via ldflags at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	auditLimit int
)

var rootCmd = &cobra.Command{
	Use:           "pibot",
	Short:         "Chat bot for administering a Raspberry Pi",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runCmd starts the bot and blocks until SIGINT/SIGTERM
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot",
	Long: `Connect to the configured chat transport and serve commands until
interrupted.

The config file path comes from --config or PIBOT_CONFIG_PATH. Without
either, defaults and PIBOT_* environment variables are used.

Examples:
  pibot run
  pibot run --config /etc/pibot/pibot.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// auditCmd prints the most recent audit entries
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent commands from the audit trail",
	Long: `Print the most recent commands recorded in the audit trail, newest
first. Destructive commands are marked with '!'.

Examples:
  pibot audit
  pibot audit --limit 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAudit(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pibot %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of entries to show")

	rootCmd.AddCommand(runCmd, auditCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*daemon.Config, error) {
	cp := configPath
	if cp == "" {
		cp = os.Getenv("PIBOT_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("pibot starting",
		"version", version,
		"transport", cfg.Transport,
		"http", cfg.HTTPAddr,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.RegisterModule(agent.NewAgent(agent.Options{})); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	slog.Info("pibot stopped")
	return nil
}

func printAudit(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	defer rec.Close()

	entries, err := rec.Recent(ctx, auditLimit)
	if err != nil {
		return fmt.Errorf("read audit trail: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(w, formatEntry(e))
	}
	return nil
}

func formatEntry(e audit.Entry) string {
	mark := " "
	if e.Destructive {
		mark = "!"
	}
	line := fmt.Sprintf("%s %s %-8s %-10s /%s",
		e.At.Local().Format("2006-01-02 15:04:05"), mark, e.Outcome, e.ChatID, e.Command)
	if e.Args != "" {
		line += " " + e.Args
	}
	if e.Error != "" {
		line += "  (" + e.Error + ")"
	}
	return strings.TrimRight(line, " ")
}
