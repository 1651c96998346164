package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/karenhq/karen/internal/httpapi"
	"github.com/karenhq/karen/internal/observability"
	"github.com/karenhq/karen/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant's HTTP API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer observability.Sync()
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := service.New(ctx, cfg, logger)
		if err != nil {
			return err
		}

		server := httpapi.NewServer(cfg.Server, app.Router, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(server.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutdown signal received, draining...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error.", zap.Error(err))
			}
			return app.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Server stopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
