package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/evalstream/internal/app"
	"github.com/ashureev/evalstream/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	remoteDSN  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "assess",
	Short: "Terminal client for the evalstream assessment engine",
	Long: `assess runs a sales-readiness assessment in the terminal, follows the
live roster of assessment records, or serves the model backend over gRPC.

Configuration comes from the environment (and .env), optionally layered
over a YAML file given with --config.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("db") {
			loaded.DBPath = dbPath
		}
		if cmd.Flags().Changed("remote-dsn") {
			loaded.RemoteDSN = remoteDSN
		}
		if cmd.Flags().Changed("log-level") || os.Getenv("LOG_LEVEL") == "" {
			loaded.LogLevel = logLevel
		}
		cfg = loaded

		// Logs go to stderr so they do not interleave with the dialogue.
		logger = app.NewLogger(os.Stderr, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "local SQLite file for the session snapshot (default from DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&remoteDSN, "remote-dsn", "", "Postgres DSN of the assessment store (default from REMOTE_DSN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(generatorCmd)
}
