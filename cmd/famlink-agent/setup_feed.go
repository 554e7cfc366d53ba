package main

import (
	"fmt"

	"famlink/config"
	"famlink/internal/authority/postgres"

	"github.com/spf13/cobra"
)

var setupFeedCmd = &cobra.Command{
	Use:   "setup-feed",
	Short: "Install the grant change-feed trigger in PostgreSQL",
	Long:  `setup-feed creates the trigger that publishes screen_time_grants changes on the grant_changes channel. It is safe to run more than once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Authority.Kind != config.AuthorityPostgres {
			return fmt.Errorf("setup-feed needs the postgres authority, configured kind is %q", cfg.Authority.Kind)
		}

		ctx := cmd.Context()
		pool, err := postgres.Connect(ctx, cfg.Authority.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := postgres.InstallChangeFeed(ctx, pool); err != nil {
			return err
		}
		if err := postgres.CheckChangeFeed(ctx, pool); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Change feed installed on channel %s\n", postgres.Channel)
		return nil
	},
}
