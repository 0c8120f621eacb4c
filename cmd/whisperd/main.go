package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"whisperd/internal/comms"
	"whisperd/internal/config"
	"whisperd/internal/gpu"
	"whisperd/internal/httpapi"
	"whisperd/internal/lifecycle"
	"whisperd/internal/orchestrator"
	"whisperd/internal/registry"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "whisperd",
		Short:         "Container orchestrator for speech-to-text models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		cfgPath  string
		addr     string
		logLevel string
	)
	defaultAddr := ""
	if v := os.Getenv("WHISPERD_ADDR"); v != "" {
		defaultAddr = v
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath, addr, logLevel)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (yaml/json/toml)")
	serve.Flags().StringVar(&addr, "addr", defaultAddr, "HTTP listen address, e.g. :8090 (overrides config)")
	serve.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func runServe(cfgPath, addr, logLevel string) error {
	log := newLogger(logLevel)

	if cfgPath == "" {
		cfgPath = os.Getenv("WHISPERD_CONFIG")
	}
	if cfgPath == "" {
		return fmt.Errorf("no config file: pass --config or set WHISPERD_CONFIG")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = cfg.Defaults()
	if addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.EngineHost != "" {
		// client.FromEnv reads DOCKER_HOST; config is just another way to set it.
		os.Setenv("DOCKER_HOST", cfg.EngineHost)
	}

	reg, err := registry.New(cfg.Models)
	if err != nil {
		return fmt.Errorf("invalid model templates: %w", err)
	}

	totalMB := cfg.GPUTotalMB
	if totalMB <= 0 {
		totalMB = gpu.DetectTotalMB(log)
	}
	alloc := gpu.NewAllocator(totalMB, log)

	engine, err := lifecycle.NewDockerEngine(log)
	if err != nil {
		return err
	}
	defer engine.Close()

	lc := lifecycle.NewManager(engine, alloc, lifecycle.Config{
		PullPolicy:        cfg.PullPolicy,
		StartupTimeout:    time.Duration(cfg.StartupTimeoutSec) * time.Second,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutSec) * time.Second,
		MaxContainers:     cfg.MaxContainers,
	}, log)
	adapter := comms.NewAdapter(comms.Config{
		RequestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		MaxRetries:     cfg.MaxRetries,
	}, log)

	orch := orchestrator.New(reg, alloc, lc, adapter, log)
	if cfg.DefaultModel != "" {
		orch.SetDefaultModel(cfg.DefaultModel)
	}
	orch.SetHealthCheckInterval(time.Duration(cfg.HealthCheckIntervalSec) * time.Second)
	if err := orch.Initialize(); err != nil {
		return err
	}

	httpapi.SetLogger(log)
	if os.Getenv("WHISPERD_CORS_ENABLED") == "1" {
		httpapi.SetCORSOptions(true,
			splitCSV(os.Getenv("WHISPERD_CORS_ORIGINS")),
			splitCSV(os.Getenv("WHISPERD_CORS_METHODS")),
			splitCSV(os.Getenv("WHISPERD_CORS_HEADERS")))
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(orch)}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("whisperd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	orch.Cleanup(ctx)
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
