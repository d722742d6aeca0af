// Package cmd provides the command-line interface for sitepipe.
//
// Configuration System:
//
//	Settings are read from several sources, highest priority first:
//	1. Command-line flags (--config, --production, --log-level, ...)
//	2. SITEPIPE_CONFIG_FILE environment variable, a custom config file path
//	3. Individual environment variables (SITEPIPE_SERVER_HOST, ...)
//	4. The configuration file (.sitepipe.yml)
//	5. Built-in defaults
//
// Running sitepipe with no sub-command is the same as `sitepipe watch`.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	production bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitepipe",
	Short: "Static-site asset build pipeline",
	Long: `sitepipe compiles stylesheets, bundles scripts, copies templates, images
and fonts, and inlines small images, then serves the result with live reload.

Quick Start:
  sitepipe init                 Write a default .sitepipe.yml
  sitepipe                      Build, serve and rebuild on change
  sitepipe build --production   Optimized, revisioned build

The --production flag switches every command to production semantics:
minification and optimization on, source maps and watching off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .sitepipe.yml, can also use SITEPIPE_CONFIG_FILE env var)")
	flags.BoolVarP(&production, "production", "p", false, "use production semantics (minify, optimize, no watch)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log-format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("production", flags.Lookup("production"))
}

// initConfig points viper at the configuration file and the SITEPIPE_
// environment. A missing file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("SITEPIPE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sitepipe")
	}

	viper.SetEnvPrefix("SITEPIPE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
