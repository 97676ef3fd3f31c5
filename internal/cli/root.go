// Package cli provides the fundscope command-line interface. Every command
// submits requests to an app.Engine and renders the events it answers with.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fundscope/fundscope/internal/app"
	"github.com/fundscope/fundscope/internal/config"
	"github.com/fundscope/fundscope/internal/observability"
)

var (
	// Version and Commit are set at build time.
	Version = "dev"
	Commit  = "unknown"

	// Global flags
	configFile   string
	envFile      string
	dataDir      string
	logLevel     string
	serveMetrics bool

	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "fundscope",
	Short: "Brazilian investment fund data from CVM, BCB and Yahoo",
	Long: `Fundscope downloads the public CVM fund datasets and the CDI and IBOVESPA
benchmark series into a local dataset store and queries them.

Examples:
  fundscope download cvm
  fundscope download indices --start 2023-01-01
  fundscope search "renda fixa" --class "Fundo de Renda Fixa"
  fundscope profit 00.017.024/0001-53 --start 2023-01-01 --end 2023-12-31
  fundscope portfolio 00.017.024/0001-53 2024 1

Environment Variables:
  FUNDSCOPE_DATA_DIR               Base directory of the dataset store
  FUNDSCOPE_DOWNLOAD_CONCURRENCY   Maximum in-flight downloads
  FUNDSCOPE_QUERY_TIMEOUT          Timeout of profitability queries
  FUNDSCOPE_LOG_LEVEL              debug, info, warn or error
  FUNDSCOPE_MIRROR_TYPE            Mirror storage type (local, s3)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger, closeLog = observability.SetupLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
		if cfg.Metrics.Enabled {
			metrics = observability.NewMetrics(nil)
			go func() {
				if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
					logger.Error("metrics server stopped", "addr", cfg.Metrics.Addr, "error", err)
				}
			}()
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "base directory of the dataset store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&serveMetrics, "metrics", false, "serve prometheus metrics while the command runs")

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(fundCmd)
	rootCmd.AddCommand(profitCmd)
	rootCmd.AddCommand(portfolioCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(periodsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(mirrorCmd)
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", Version, Commit)
	return rootCmd.Execute()
}

// loadConfig layers the defaults, the config file, the environment and the
// command line flags, in increasing priority.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	c := config.DefaultConfig()
	if configFile != "" {
		var err error
		if c, err = config.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(c)

	if dataDir != "" {
		c.DataDir = dataDir
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if serveMetrics {
		c.Metrics.Enabled = true
	}
	c.Resolve()
	return c, c.Validate()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withEngine starts an engine for the duration of fn.
func withEngine(ctx context.Context, fn func(context.Context, *app.Engine) error) error {
	engine, err := app.New(cfg, app.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, engine)
	if err := engine.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
