package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tlsbatch/internal/config"
	"tlsbatch/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	// cfg is loaded once per invocation; see currentConfig.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tlsbatch",
	Short: "Batch driver for the TLS/GenBank submission pipeline",
	Long: `tlsbatch reads a tab-delimited mapping file of (IMGT archive, FASTA) pairs
and runs the submission pipeline script once per line, appending timestamped
markers and the script's output to a batch log.

It also checks IMGT/HighV-QUEST archives, runs ParseDb operations on Change-O
database files and keeps a ledger of past runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		c, err := currentConfig()
		if err != nil {
			return err
		}

		lc := c.Logging
		if verbose {
			lc = lc.Verbose()
		}
		// Diagnostics are best effort; a read-only workspace must not block a run.
		if err := logging.Initialize(resolveWorkspace(), logging.Settings{
			DebugMode:  lc.DebugMode,
			Categories: lc.Categories,
			Level:      lc.Level,
			Format:     lc.Format,
		}); err != nil {
			logger.Warn("diagnostic logging disabled", zap.Error(err))
			return nil
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("audit logging disabled", zap.Error(err))
		}
		logging.Boot("tlsbatch %s: %s", version, cmd.CommandPath())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.tlsbatch/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(parsedbCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns --workspace or the current directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// resolveConfigPath returns --config or the workspace default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath(resolveWorkspace())
}

// currentConfig loads and validates the config on first use.
func currentConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolveConfigPath(), err)
	}
	cfg = c
	return cfg, nil
}
