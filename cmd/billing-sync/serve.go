package main

import (
	"context"
	"fmt"

	grpcapi "github.com/Dhoini/billing-sync/internal/api/grpc"
	"github.com/Dhoini/billing-sync/internal/api/rest"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the admin API, run scheduled reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.App.Env != "development" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := cmd.Context()
			app, err := buildApplication(ctx, cfg, log, autoMigrate)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.close(); err != nil {
					log.Errorw("Failed to release resources", "error", err)
				}
			}()

			app.dispatcher.Start()
			defer app.dispatcher.Stop()

			if cfg.Reconcile.Enabled {
				app.scheduler.Start(ctx)
				defer app.scheduler.Stop()
			}

			router := rest.SetupRouter(cfg, rest.RouterDeps{
				Ingester:    app.processor,
				Subscribers: app.subscriber,
				Store:       app.store,
				Metrics:     app.metrics,
				Registry:    app.registry,
				Clock:       app.clock,
			}, log)
			httpServer := rest.NewServer(router, cfg.HTTP, log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(httpServer.Start)

			var grpcServer *grpcapi.Server
			if cfg.GRPC.Enabled {
				grpcServer = grpcapi.NewServer(cfg.GRPC.Port, app.store, 0, log)
				g.Go(grpcServer.Start)
			}

			g.Go(func() error {
				<-gctx.Done()
				log.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if grpcServer != nil {
					grpcServer.Stop()
				}
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("http shutdown: %w", err)
				}
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("Server stopped gracefully")
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", true, "apply store migrations on startup")
	return cmd
}
