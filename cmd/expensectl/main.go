package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"expense-ingest/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "expensectl",
	Short: "Ingest and review expenses from the command line",
	Long: `expensectl runs the expense ingestion pipeline locally: extract an expense from
a message, voice note or receipt, persist it idempotently and review pending records.

Settings come from the same environment variables as the HTTP service; flags
override them.`,
	PersistentPreRunE: initConfig,
	SilenceUsage:      true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite", "", "use a local SQLite database at this path instead of Postgres")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("home-currency", "", "ISO 4217 code used when a message names no currency")
	flags.String("artifacts-dir", "", "directory for raw audio and receipt files (local storage)")

	_ = viper.BindPFlag("sqlite", flags.Lookup("sqlite"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("home_currency", flags.Lookup("home-currency"))
	_ = viper.BindPFlag("artifacts_dir", flags.Lookup("artifacts-dir"))

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(transitionCmd("confirm", "Confirm a pending expense"))
	rootCmd.AddCommand(transitionCmd("flag", "Flag a pending expense for review"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	logger.Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	viper.SetEnvPrefix("EXPENSECTL")
	viper.AutomaticEnv()

	if err := logger.Init(viper.GetString("log_level"), "console"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
