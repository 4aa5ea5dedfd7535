package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/sightline/internal/config"
	"github.com/andresmejia3/sightline/internal/logger"
	"github.com/andresmejia3/sightline/internal/store"
	"github.com/andresmejia3/sightline/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// storeAnnotation marks how a command depends on the database.
const storeAnnotation = "store"

const (
	storeRequired = "required"
	storeOptional = "optional"
)

// Options holds the pipeline configuration shared by serve and annotate.
type Options struct {
	InputPath     string
	OutputPath    string
	Stride        int
	PerSecond     bool
	Confidence    float64
	ImgSize       int
	NumEngines    int
	ModelPath     string
	WorkerTimeout string
}

var (
	// DB is the global database connection shared by subcommands. It stays nil
	// when an optional store could not be reached.
	DB *store.Store
	// Cfg is the environment configuration, loaded before every command.
	Cfg *config.Config
	// Log is the process logger.
	Log *zap.Logger

	// dbURL is the connection string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "sightline",
	Short:   "Object detection annotation for videos and images",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			Cfg.LogLevel = logLevel
		}

		// The service logs JSON, everything else logs for a human on stderr
		if cmd.Name() == "serve" {
			Log, err = logger.New(Cfg.LogLevel)
		} else {
			Log, err = logger.NewConsole(Cfg.LogLevel)
		}
		if err != nil {
			return err
		}

		mode := cmd.Annotations[storeAnnotation]
		if mode == "" {
			return nil
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = dbURLFromEnv()
		}

		// Use the command's context (which will be cancellable) for the connection
		connectCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		DB, err = store.New(connectCtx, dbURL)
		if err != nil {
			if mode == storeRequired {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			Log.Warn("history store unavailable, continuing without it", zap.Error(err))
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Log != nil {
			Log.Sync()
		}
	},
}

// dbURLFromEnv builds the connection string from POSTGRES_* variables.
func dbURLFromEnv() string {
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/sightline"
}

// newDetector starts the engine pool described by opts and the environment.
func newDetector(ctx context.Context, opts Options) (*worker.Pool, error) {
	timeout := Cfg.WorkerTimeout
	if opts.WorkerTimeout != "" {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid worker timeout: %w", err)
		}
		timeout = d
	}
	model := Cfg.ModelPath
	if opts.ModelPath != "" {
		model = opts.ModelPath
	}

	spawn := worker.PythonSpawner(worker.Config{
		Python:      Cfg.PythonBin,
		Script:      Cfg.WorkerScript,
		Model:       model,
		Confidence:  opts.Confidence,
		ImgSize:     opts.ImgSize,
		ReadTimeout: timeout,
	})
	return worker.NewPool(ctx, opts.NumEngines, spawn, Log)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/sightline)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
}
