package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var subscriberID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print the report",
		Long: `Run one reconciliation pass over all due subscribers, or a single
subscriber with --subscriber, then deliver side effects and exit.

Examples:
  billing-sync reconcile
  billing-sync reconcile --subscriber u-42 --config ./config.yml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			app, err := buildApplication(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer app.close()

			// Эффекты доставляются синхронно до выхода
			app.dispatcher.Start()
			defer app.dispatcher.Stop()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			if subscriberID != "" {
				sub, result, err := app.scheduler.ReconcileSubscriber(ctx, subscriberID)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", subscriberID, err)
				}
				return enc.Encode(map[string]any{"subscriber": sub, "result": result})
			}

			report, err := app.scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
			if report.Err != nil {
				return fmt.Errorf("reconciliation finished with %d failures", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subscriberID, "subscriber", "", "reconcile only this subscriber id")
	return cmd
}
