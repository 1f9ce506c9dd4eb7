// Command evoforge is the CLI for the evoforge agent platform: run
// conversations, build capability modules from intent, and inspect the
// module registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evoforge/internal/config"
	"evoforge/internal/logging"
	"evoforge/internal/metrics"
	"evoforge/internal/registry"
	"evoforge/internal/sandbox"
	"evoforge/internal/store"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "evoforge",
	Short: "evoforge - self-evolving agent platform",
	Long: `evoforge orchestrates conversational agents that grow their own tools.

A conversation routes between model calls and installed capability modules;
when no module fits, the build pipeline generates one, validates it in a
sandbox, and installs it behind an attestation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		mode := cfg.ObservabilityMode
		if verbose {
			mode = logging.ModeDebug
		}
		logger, err = logging.New(mode)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runtime bundles the shared wiring the subcommands need.
type runtime struct {
	store    *store.Store
	registry *registry.Registry
	metrics  *metrics.Set
}

func openRuntime() (*runtime, error) {
	st, err := store.Open(filepath.Join(cfg.DataDir, "checkpoints.db"), logger)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	reg := registry.New(cfg.OrgID, st, sandbox.NewRunner(logger), logger)

	modulesDir := filepath.Join(cfg.DataDir, "modules")
	if err := os.MkdirAll(modulesDir, 0755); err != nil {
		st.Close()
		return nil, err
	}
	if err := reg.ReloadFromDisk(modulesDir); err != nil {
		logger.Warn("module reload failed", zap.Error(err))
	}
	return &runtime{store: st, registry: reg, metrics: m}, nil
}

func (r *runtime) close() {
	_ = r.store.Close()
}

// signalContext cancels on SIGINT/SIGTERM so a second interrupt kills hard.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
