package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/sitepipe/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the built-in defaults to a configuration file that can be edited.
An existing file is never overwritten.

Examples:
  sitepipe init                        # Writes .sitepipe.yml
  sitepipe init --output site.yml      # Writes site.yml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initOutput string

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVarP(&initOutput, "output", "o", ".sitepipe.yml", "path of the configuration file to write")
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteDefault(initOutput); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", initOutput)
	return nil
}
