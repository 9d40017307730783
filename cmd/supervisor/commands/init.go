package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/supervisor/internal/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to the --config path (config.yaml).
Edit the worker command before the first start.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if err := writeDefaultConfig(cfgFile, force); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", cfgFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set workers.command to the command that serves one worker on {port}")
	fmt.Fprintln(out, "  2. Run 'supervisor start'")
	return nil
}

func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}

	if err := config.Save(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}
