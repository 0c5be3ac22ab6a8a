// Package commands implements the offloadd CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/internal/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "offloadd",
	Short: "Portfolio computation offload server",
	Long: `offloadd runs portfolio optimizations, Monte-Carlo simulations and
risk metrics on a pool of isolated execution units and serves them over HTTP.

Use "offloadd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./offload.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(benchCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
