package main

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nhalm/limitkit/config"
)

var validateFlags struct {
	limitsFile string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and limit definitions",
	Long: `Load the configuration and the limits file and report any error.

Examples:
  # Validate the config and the limits file it names
  limitkit validate --config config.yaml

  # Validate a limits file on its own
  limitkit validate --limits limits.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.limitsFile, "limits", "", "limits file (uses config if not specified)")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(cfg.PurgeSchedule); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
	}
	fmt.Fprintln(out, "✓ Configuration valid")

	path := validateFlags.limitsFile
	if path == "" {
		path = cfg.LimitsFile
	}
	if path == "" {
		return nil
	}

	limits, err := config.LoadLimits(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %d limits in %d namespaces\n", len(limits), len(config.Namespaces(limits)))
	return nil
}
