// Command compliancectl runs compliance checks and exports from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
)

// cli carries the state shared by every subcommand
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "compliancectl",
		Short: "Debt collection communication compliance tooling",
		Long: `compliancectl validates collection letters, evaluates an intended
outbound communication against the pre-send gate, and exports the
communication audit log.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if c.logLevel != "" {
				level = c.logLevel
			}
			logger, err := telemetry.NewLogger(level, cfg.Environment == "development")
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file (default configs/config.yaml when present)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		newValidateLetterCmd(c),
		newCheckCmd(c),
		newExportCmd(c),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
