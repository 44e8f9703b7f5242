package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/oculus/internal/config"
	"github.com/andresmejia3/oculus/internal/logger"
	"github.com/andresmejia3/oculus/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// cfg is loaded from the environment before every command runs
	cfg *config.Config
	// log is the process logger, JSON for serve and console for everything else
	log *zap.Logger
	// DB is opened on first use by the commands that need it
	DB *store.Store

	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "oculus",
	Short:         "Encrypted video object detection and streaming engine",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}

		if cmd.Name() == serveCmd.Name() {
			log, err = logger.New(cfg.LogLevel)
		} else {
			log, err = logger.NewConsole(cfg.LogLevel)
		}
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if log != nil {
			log.Sync()
		}
	},
}

// openStore connects to PostgreSQL on first use.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	url := resolveDBURL(cfg.DatabaseURL)
	s, err := store.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

// resolveDBURL falls back to the POSTGRES_* variables, then to a local default.
func resolveDBURL(url string) string {
	if url != "" {
		return url
	}
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
	return "postgres://localhost:5432/oculus"
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL, then postgres://localhost:5432/oculus)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
}
