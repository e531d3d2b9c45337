package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"forge/internal/corelog"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the public HTTP API and the loopback metrics listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := corelog.NewComponentLogger("orchestratord")
	c, err := buildComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}

	stopApprovalWatch := startApprovalWatch(c)
	defer stopApprovalWatch()

	apiServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      c.router.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections must not be cut off by a write deadline
		IdleTimeout:  120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}),
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("public API listening on %s", cfg.HTTP.Addr)
		fmt.Printf("%s public API listening on %s\n", green("-"), bold(cfg.HTTP.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics listening on %s", cfg.Metrics.Addr)
			fmt.Printf("%s metrics listening on %s\n", green("-"), bold(cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error: %v", err)
		fmt.Printf("%s %v\n", red("Error:"), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("api server shutdown: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown: %v", err)
		}
	}
	logger.Info("stopped")
	return nil
}
