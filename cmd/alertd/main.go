package main

import (
	"context"
	"fmt"
	"os"

	"alertcore/internal/app"
	"alertcore/internal/clock"
	"alertcore/internal/config"

	"github.com/spf13/cobra"
)

// Set by ldflags at build time.
var version = "dev"

type configFlags struct {
	file string
	dir  string
}

func (f *configFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "config-file", "", "path to one TOML config file")
	cmd.Flags().StringVar(&f.dir, "config-dir", "", "path to directory with TOML config fragments")
	cmd.MarkFlagsMutuallyExclusive("config-file", "config-dir")
	cmd.MarkFlagsOneRequired("config-file", "config-dir")
}

func (f *configFlags) source() (config.ConfigSource, error) {
	return config.FromCLI(f.file, f.dir)
}

// newRootCmd builds alertd command tree.
// Params: none.
// Returns: root command with run, validate, and version subcommands.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "alertd",
		Short:         "Rule-based alert evaluation and notification service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	flags := &configFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start alert pipeline with HTTP and NATS ingest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			service, err := app.NewService(source, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(cmd.Context()); err != nil {
				return fmt.Errorf("service run failed: %w", err)
			}
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newValidateCmd() *cobra.Command {
	flags := &configFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration without starting the service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			cfg, err := config.LoadSnapshot(source)
			if err != nil {
				return err
			}
			// Build the pipeline once so channel and rule constructors run their own checks.
			service, err := app.NewServiceFromConfig(cfg, nil, clock.RealClock{})
			if err != nil {
				return err
			}
			if err := service.Shutdown(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d rules, %d channels, %d escalation policies\n",
				len(cfg.Rule), len(cfg.Channel), len(cfg.Escalation))
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "alertd %s\n", version)
		},
	}
}

// main runs alertd CLI.
// Params: process arguments.
// Returns: process exit code 1 on command failure.
func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
