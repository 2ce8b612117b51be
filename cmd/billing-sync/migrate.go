package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg.Store, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := migrateStore(ctx, store); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Infow("Migrations applied", "driver", cfg.Store.Driver)
			return nil
		},
	}
}
