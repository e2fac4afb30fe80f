package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mmate-rpc",
		Short:         "Request/response over a message broker",
		Long:          `mmate-rpc sends requests to workers over RabbitMQ (or an in-process broker) and waits for their correlated responses.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(newWorkerCmd(load), newSendCmd(load), newHealthCmd(load))
	return rootCmd
}

func newWorkerCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Answer Ping and Echo requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			if cfg.Metrics.Address != "" {
				go serveHTTP(ctx, cfg.Metrics.Address, client.Health(), cfg.NewLogger(os.Stderr))
			}
			mux := demoMux()
			mux.Use(
				worker.NewLoggingInterceptor(cfg.NewLogger(os.Stderr)),
				worker.NewTimeoutInterceptor(cfg.RequestTimeout()),
			)
			return client.Serve(ctx, mux)
		},
	}
}

func newSendCmd(load func() (config.Config, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <type> [payload]",
		Short: "Send one request and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Request.TimeoutMS = int(timeout.Milliseconds())
			}
			cfg.Metrics.Enabled = false

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			result, err := client.Send(ctx, args[0], payload)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "success=%t origin=%s payload=%s\n",
				result.Success, result.Response.Origin, result.Payload)
			if !result.Success {
				return errors.New("request failed")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Override request.timeout_ms")
	return cmd
}

func newHealthCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect, run the client health checks once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Metrics.Enabled = false

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := mmate.NewClient(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			report := client.Health().Check(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}

// demoMux answers Ping with pong and echoes Echo payloads
func demoMux() *worker.Mux {
	mux := worker.NewMux()
	_ = mux.HandleFunc("Ping", func(ctx context.Context, req *contracts.Request) (bool, []byte, error) {
		return true, []byte("pong"), nil
	})
	_ = mux.HandleFunc("Echo", func(ctx context.Context, req *contracts.Request) (bool, []byte, error) {
		return true, req.Payload, nil
	})
	return mux
}

func serveHTTP(ctx context.Context, addr string, checks *health.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics and health", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
}
