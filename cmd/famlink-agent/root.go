package main

import (
	"fmt"

	"famlink/config"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags
var Version = "0.0.0-dev"

const defaultConfigPath = "famlink.jsonc"

var (
	configPath string
	useEnv     bool
)

var rootCmd = &cobra.Command{
	Use:           "famlink-agent",
	Short:         "Screen-time grant sync agent",
	Long:          `famlink-agent mirrors a child's screen-time grants from the family server into local enforcement and serves the bridge for embedded content.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file (.json, .jsonc, .yaml)")
	rootCmd.PersistentFlags().BoolVar(&useEnv, "env", false, "Load configuration from FAMLINK_* environment variables")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupFeedCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
