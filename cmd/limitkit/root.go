package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "limitkit",
	Short: "Limitkit - namespaced rate limiting service",
	Long: `Limitkit tracks counters for namespaced rate limits and answers whether a
request may proceed. Counters live in process memory or in Redis, so several
instances can enforce one shared budget.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when empty)")
}
