package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gridfeed/cammesa/internal/config"
	"github.com/gridfeed/cammesa/internal/fetch"
	"github.com/gridfeed/cammesa/internal/metrics"
	"github.com/gridfeed/cammesa/internal/pipeline"
	"github.com/gridfeed/cammesa/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Persistent flags, bound in init().
	cfgFile     string
	logFormat   string
	logLevel    string
	logOutput   string
	dbDriver    string
	duckDBPath  string
	dbSchema    string
	dataDir     string
	snapshotDir string
	actor       string

	// Populated in PersistentPreRunE.
	rootLogger *slog.Logger
	appStore   *store.Store
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cammesa",
	Short: "Load CAMMESA monthly reports into a relational store.",
	Long: `cammesa finds the monthly report archives that are missing from the store,
downloads and extracts them, parses the six monthly workbooks, reconciles agents,
tariffs, machines and technologies across them, and upserts every table.

The primary command is 'run'. 'schedule' keeps running and triggers 'run' on a
cron schedule. 'plan', 'state' and 'snapshot' help operators look at what a run
will do or did.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		switch strings.ToLower(logOutput) {
		case "", "stderr":
		case "stdout":
			logWriter = os.Stdout
		default:
			f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
			}
			logWriter = f
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized", "level", level.String(), "format", logFormat, "output", logOutput)

		// --- 2. Configuration ---
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		appConfig = cfg
		rootLogger.Debug("Configuration loaded", slog.Any("config", cfg.Redacted()))

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
		}

		// --- 3. Store connection and schema ---
		rootLogger.Info("Connecting to store", "driver", cfg.Database.Driver, "schema", cfg.Database.Schema)
		st, err := store.Open(cmd.Context(), cfg.Database,
			store.WithLogger(rootLogger),
			store.WithChunkSize(cfg.UpsertChunkSize),
		)
		if err != nil {
			return err
		}
		if err := st.InitializeSchema(cmd.Context()); err != nil {
			st.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		appStore = st
		rootLogger.Debug("Database schema initialized.")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appStore != nil {
			if err := appStore.Close(); err != nil {
				rootLogger.Error("Failed to close store connection cleanly", "error", err)
			}
		}
		return nil
	},
}

// applyFlagOverrides lets explicitly set flags win over file and environment.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Database.Driver = dbDriver
	}
	if flags.Changed("duckdb-path") {
		cfg.Database.Path = duckDBPath
	}
	if flags.Changed("schema") {
		cfg.Database.Schema = dbSchema
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("snapshot-dir") {
		cfg.SnapshotDir = snapshotDir
	}
	if flags.Changed("actor") {
		cfg.Actor = actor
	}
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(scheduleCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file (defaults and ENERGY_DB* variables apply without one)")
	pf.StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")
	pf.StringVar(&dbDriver, "driver", config.DriverPostgres, "Store driver (postgres or duckdb)")
	pf.StringVar(&duckDBPath, "duckdb-path", config.DefaultDuckDBPath, "DuckDB database file when --driver=duckdb")
	pf.StringVar(&dbSchema, "schema", config.DefaultSchema, "Schema holding the target tables")
	pf.StringVarP(&dataDir, "data-dir", "d", config.DefaultDataDir, "Directory for downloaded and extracted archives")
	pf.StringVar(&snapshotDir, "snapshot-dir", "", "Write a parquet snapshot of every period below this directory")
	pf.StringVar(&actor, "actor", "", "Name recorded in provenance columns (default: OS user)")

	rootCmd.Version = "0.3.0"
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getStore() *store.Store { return appStore }

func getConfig() config.Config { return appConfig }

// newPipeline wires a pipeline to the shared store with the given options.
func newPipeline(m *metrics.Metrics, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	cfg := getConfig()
	client := fetch.NewClient(cfg.Source.HTTPTimeout, cfg.Source.UserAgent)
	opts = append([]pipeline.Option{pipeline.WithLogger(getLogger()), pipeline.WithMetrics(m)}, opts...)
	return pipeline.New(cfg, getStore(), client, opts...)
}
