package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/perimeter/pkg/api"
	"github.com/cuemby/perimeter/pkg/config"
	"github.com/cuemby/perimeter/pkg/engine"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/cuemby/perimeter/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perimeter",
	Short: "Perimeter - geofence transition detection and alerting",
	Long: `Perimeter ingests GPS samples for tracked users, detects when they
enter or leave configured sites, records each transition exactly once and
delivers alerts to the configured recipients.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Perimeter version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "127.0.0.1:8080", "Address of a running engine's HTTP API")

	serveCmd.Flags().StringP("config", "c", "", "Path to the YAML config file")
	serveCmd.Flags().String("env-file", "", "Env file to load before reading PERIMETER_* variables (default ./.env)")
	serveCmd.Flags().String("data-dir", "", "Data directory for the bolt store")
	serveCmd.Flags().String("addr", "", "Listen address for the HTTP API")
	serveCmd.Flags().String("grpc-addr", "", "Listen address for the gRPC health service (empty string disables)")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long: `Run the engine with its HTTP API, worker pool, sweep and dispatcher.

Configuration is read from the file given with --config, then PERIMETER_*
environment variables, then the flags below.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.API.Addr = v
	}
	if cmd.Flags().Changed("grpc-addr") {
		cfg.API.GRPCAddr, _ = cmd.Flags().GetString("grpc-addr")
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := log.ParseLevel(cfg.Log.Level)
	log.Init(log.Config{Level: level, JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Shutdown()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	errCh := make(chan error, 2)

	httpServer := api.NewServer(e, api.Config{
		RateLimit:   cfg.API.RateLimit,
		StatsWindow: cfg.Metrics.StatsWindow,
	})
	go func() {
		if err := httpServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("HTTP API error: %w", err)
		}
	}()

	var grpcServer *api.GRPCServer
	if cfg.API.GRPCAddr != "" {
		grpcServer = api.NewGRPCServer(nil)
		go func() {
			if err := grpcServer.Start(ctx, cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	log.Logger.Info().
		Str("version", Version).
		Str("api", cfg.API.Addr).
		Str("grpc", cfg.API.GRPCAddr).
		Msg("Perimeter is running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		log.Logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("HTTP API did not shut down cleanly")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := e.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return runErr
}
