package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/shizukutanaka/supervisor/internal/app"
	"github.com/shizukutanaka/supervisor/internal/config"
	"github.com/shizukutanaka/supervisor/internal/logging"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker pool and the gateway",
	Long: `Start the worker pool and serve the gateway until interrupted.

Flags override the config file and SUPERVISOR_* environment variables.

Examples:
  # Two workers on 9000-9001, gateway on 127.0.0.1:8000
  supervisor start

  # Four workers from 9100, gateway on all interfaces
  supervisor start --workers 4 --base-port 9100 --host 0.0.0.0 --port 8080

  # Restart crashed workers
  supervisor start --restart`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().Int("workers", 2, "Number of workers to start")
	startCmd.Flags().Int("base-port", 9000, "Port of the first worker")
	startCmd.Flags().String("host", "127.0.0.1", "Gateway listen host")
	startCmd.Flags().Int("port", 8000, "Gateway listen port")
	startCmd.Flags().Bool("restart", false, "Restart crashed workers")
	startCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// flagOverrides returns a function applying the flags the user actually set.
// Defaults shown in help never override the config file.
func flagOverrides(flags *pflag.FlagSet) func(*config.Config) {
	return func(cfg *config.Config) {
		if flags.Changed("workers") {
			cfg.Workers.Count, _ = flags.GetInt("workers")
		}
		if flags.Changed("base-port") {
			cfg.Workers.BasePort, _ = flags.GetInt("base-port")
		}
		if flags.Changed("host") {
			cfg.Server.Host, _ = flags.GetString("host")
		}
		if flags.Changed("port") {
			cfg.Server.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("restart") {
			cfg.Workers.Restart, _ = flags.GetBool("restart")
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(zap.NewNop(), cfgFile, config.WithOverrides(flagOverrides(cmd.Flags())))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := manager.Get()

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	manager.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting supervisor",
		zap.String("version", Version),
		zap.String("config", cfgFile),
	)

	application, err := app.New(logger, cfg,
		app.WithConfigManager(manager),
		app.WithAtomicLevel(level),
	)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Tear the pool down on every exit path, including a panic during startup
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := application.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown gracefully", zap.Error(err))
		}
	}()

	if err := application.Start(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("Interrupted during startup")
			return nil
		}
		return fmt.Errorf("failed to start: %w", err)
	}

	printStartupInfo(cmd, cfg, application)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	return nil
}

func printStartupInfo(cmd *cobra.Command, cfg *config.Config, application *app.Application) {
	out := cmd.OutOrStdout()
	st := application.Supervisor().Status()

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Gateway:  http://%s\n", application.Addr())
	fmt.Fprintf(out, "Workers:  %s\n", workerSummary(cfg.Workers, st.ActiveWorkers))
	if addr := application.MetricsAddr(); addr != nil {
		fmt.Fprintf(out, "Metrics:  http://%s%s\n", addr, cfg.Metrics.Path)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	fmt.Fprintln(out)
}

func workerSummary(workers config.WorkersConfig, active int) string {
	switch workers.Count {
	case 0:
		return "no workers"
	case 1:
		return fmt.Sprintf("%d/1 active on port %d", active, workers.BasePort)
	}
	return fmt.Sprintf("%d/%d active on ports %d-%d",
		active, workers.Count, workers.BasePort, workers.BasePort+workers.Count-1)
}
