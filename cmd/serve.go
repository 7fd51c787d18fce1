package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/service"
)

// newServeCmd creates the 'serve' subcommand hosting the HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the crawl API over HTTP",
		Long: `Starts the HTTP API. Crawls are started, inspected and stopped through
/v1/crawls; persisted progress is browsable under /v1/runs when
progress.store is enabled.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	logger := e.logger
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Build(ctx, e.cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	apiServer := api.NewServer(rt.Manager, api.NewProgressHandler(rt.Progress, logger.Named("progress")), e.cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       e.cfg.Server.ReadTimeout,
		WriteTimeout:      e.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("runtime shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")

	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
