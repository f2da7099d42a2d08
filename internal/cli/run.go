package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mizuki/hotaru/internal/config"
	"github.com/mizuki/hotaru/internal/logger"
	"github.com/mizuki/hotaru/pkg/gateway"
	"github.com/mizuki/hotaru/pkg/ipc"
	"github.com/mizuki/hotaru/pkg/manifest"
	"github.com/mizuki/hotaru/pkg/plugin"
	"github.com/mizuki/hotaru/pkg/runtime"
	"github.com/mizuki/hotaru/pkg/statestore"
	"github.com/mizuki/hotaru/pkg/supervisor"
)

var workerMode bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Hotaru supervisor",
	Long: `Run the Hotaru supervisor in the foreground. It builds the project once,
launches a worker and keeps it alive until interrupted.

With --worker the process runs as a worker unit instead: it hosts the
runtime instance and speaks the supervisor protocol over stdio. Workers are
normally launched by the supervisor, not by hand.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&workerMode, "worker", false, "run as a supervised worker over stdio")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if workerMode {
		return runWorker(cfg)
	}
	return runSupervised(cfg, false)
}

// runWorker hosts one runtime instance and serves the supervisor over
// stdio. Stdout carries the protocol, so all logging goes to stderr and the
// log file.
func runWorker(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := manifest.NewLoader(log).Load(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	plugins := make(map[string]*plugin.PluginData, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		plugins[p.Name] = plugin.NewData(p.Name, p.Root, p.Options, p.FailSafe)
	}

	var gw gateway.Client
	if cfg.Gateway.URL != "" {
		gw = gateway.NewWSClient(cfg.Gateway.URL, cfg.Gateway.Token, log)
	}

	inst, err := runtime.New(runtime.Config{
		Manifest:         m,
		BaseDir:          cfg.BaseDir,
		Plugins:          plugins,
		Gateway:          gw,
		LifecycleTimeout: cfg.Timeouts.Lifecycle(),
		CommandBuffer:    cfg.Timeouts.CommandBuffer(),
		CommandTimeout:   cfg.Timeouts.Command(),
		Production:       cfg.Production,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	worker := runtime.NewWorker(inst, ipc.NewPipeTransport(os.Stdin, os.Stdout), log)
	return worker.Run(ctx)
}

// runSupervised is the shared supervisor loop behind "run" and "dev"
func runSupervised(cfg *config.Config, watch bool) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("hotaru is already running (PID file: %s)", pidFile)
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Logger

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statestore.Open(filepath.Join(cfg.DataDir, "snapshots.db"), log)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer store.Close()

	launcher := &supervisor.ProcessLauncher{
		Command:       cfg.Dev.WorkerCommand,
		LaunchTimeout: cfg.Dev.LaunchTimeout(),
		Logger:        log,
	}
	builder := &supervisor.ExecBuilder{
		Command: cfg.Build.Command,
		Timeout: cfg.Build.Timeout(),
		Logger:  log.With().Str("component", "builder").Logger(),
	}

	sup := supervisor.New(supervisor.Config{
		ManifestPath:    cfg.ManifestPath,
		ShutdownTimeout: cfg.Dev.ShutdownTimeout(),
		SnapshotTimeout: cfg.Dev.SnapshotTimeout(),
	}, launcher, builder, store, log)

	if err := sup.Start(ctx); err != nil {
		return err
	}

	if watch {
		w, err := newWatcher(cfg, sup, log)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	if cfg.Autosave.Enabled {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Autosave.Schedule, func() {
			if err := sup.Autosave(ctx); err != nil {
				log.Warn().Err(err).Msg("Autosave failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid autosave schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	log.Info().Str("version", version).Bool("watch", watch).Msg("Hotaru started")
	err = sup.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/hotaru.pid"
	}
	return filepath.Join(home, ".hotaru", "hotaru.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	_, err = fmt.Sscanf(string(data), "%d", &pid)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so probe with signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
