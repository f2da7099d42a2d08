package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mizuki/hotaru/internal/config"
	"github.com/mizuki/hotaru/pkg/supervisor"
	"github.com/mizuki/hotaru/pkg/watcher"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run Hotaru in watch mode",
	Long: `Run the Hotaru supervisor with file watching enabled. On every change
batch the project is rebuilt and the worker is hot-restarted, carrying its
state snapshot into the new instance.`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runSupervised(cfg, true)
}

func newWatcher(cfg *config.Config, sup *supervisor.Supervisor, log zerolog.Logger) (*watcher.Watcher, error) {
	w, err := watcher.New(watcher.Config{
		Paths:    cfg.Dev.Watch,
		Debounce: cfg.Dev.Debounce(),
		OnBatch:  sup.OnChangeBatch,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
