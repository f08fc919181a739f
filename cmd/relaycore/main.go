// Package main provides the CLI entry point for relaycore.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shadowmux/relaycore/internal/config"
	"github.com/shadowmux/relaycore/internal/logging"
	"github.com/shadowmux/relaycore/internal/metrics"
	"github.com/shadowmux/relaycore/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "relaycore",
		Short:   "relaycore - a single-threaded SOCKS5 relay core",
		Long:    "relaycore runs either half of a local/remote SOCKS5 relay pair over a single, non-blocking dispatch loop.",
		Version: Version,
	}

	run := runCmd()
	rootCmd.AddCommand(run)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var roleOverride string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay core",
		Long:  "Start the relay core (local or remote role) with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if roleOverride != "" {
				cfg.Role = config.Role(roleOverride)
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid --role override: %w", err)
				}
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.New(prometheus.DefaultRegisterer)

			if cfg.MetricsAddress != "" {
				go serveMetrics(cfg.MetricsAddress, logger)
			}

			srv := relay.NewServer(cfg, logger, m)
			if err := srv.BindAndListen(); err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			if err := srv.AttachToLoop(); err != nil {
				return fmt.Errorf("attach to loop: %w", err)
			}

			logger.Info("relaycore starting",
				logging.KeyRole, string(cfg.Role),
			)

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down", "signal", sig.String())
				cancel()
			}()

			runErr := srv.Run(ctx)
			if runErr != nil && runErr != context.Canceled {
				return fmt.Errorf("relay run: %w", runErr)
			}
			logger.Info("relaycore stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&roleOverride, "role", "", "Override the configured role (local or remote)")

	return cmd
}

func serveMetrics(addr string, logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("metrics endpoint listening", "address", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", "error", err)
	}
}
