package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/logging"
	"github.com/tagsense/tagsense/internal/orchestrator"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "tagsense",
	Short:   "Tagsense - industrial historian ingestion and pattern flywheel",
	Long:    `Tagsense ingests industrial time-series points, learns their behavior and correlation structure, and suggests equipment patterns for operator review`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tagsense %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized from config below.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "tagsense",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tagsense",
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}

	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("Starting Tagsense")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}

	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	startMetricsServer(ctx, metricsAddr, func(mux *http.ServeMux) {
		mux.HandleFunc("/ws", orch.Hub().HandleWebSocket)
	})

	if err := orch.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Pipeline exited with error")
	}
}
