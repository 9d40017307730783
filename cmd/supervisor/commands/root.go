package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/supervisor/internal/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Session-affinity gateway for a pool of worker processes",
	Long: `supervisor launches a fixed pool of worker processes on consecutive ports,
keeps them alive, and routes HTTP traffic to them. Requests that name a
session are always sent to the worker that created it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")

	rootCmd.SetVersionTemplate(versionString() + "\n")
}
