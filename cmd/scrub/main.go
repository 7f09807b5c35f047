package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/config"
	"github.com/clinisafe/scrub/internal/engine"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/mapping"
	"github.com/clinisafe/scrub/internal/regulation"
)

// Build information, set via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

// run executes one batch de-identification pass. Exit codes: 0 clean,
// 1 fatal error or failed files, 2 residual identifiers in output.
func run() int {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		input       = flag.String("input", "", "Input file or directory (overrides processing.input)")
		output      = flag.String("output", "", "Output directory (overrides processing.output_dir)")
		countries   = flag.String("countries", "", "Comma-separated country codes (overrides configuration)")
		noValidate  = flag.Bool("no-validate", false, "Skip the output validation sweep")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("scrub %s (commit: %s, built: %s)\n", version, commit, date)
		return 0
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *input != "" {
		cfg.Processing.Input = *input
	}
	if *output != "" {
		cfg.Processing.OutputDir = *output
	}
	if *countries != "" {
		cfg.Countries = splitList(*countries)
	}
	if *noValidate {
		cfg.Processing.Validate = false
	}

	// Initialize logger
	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("Starting scrub",
		zap.String("version", version),
		zap.String("input", cfg.Processing.Input),
		zap.String("output", cfg.Processing.OutputDir),
		zap.Strings("countries", cfg.Countries),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Bool("validate", cfg.Processing.Validate),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling run...")
		cancel()
	}()

	// Initialize services
	services, err := initializeServices(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize services", zap.Error(err))
		return 1
	}
	defer services.cleanup(log)

	eng, err := engine.New(cfg, services.source, services.store, nil, log)
	if err != nil {
		log.Error("Failed to build engine", zap.Error(err))
		return 1
	}

	summary, err := eng.Run(ctx)
	if err != nil {
		log.Error("Run failed", zap.Error(err))
		return 1
	}

	if summary.Validation.Enabled && !summary.Validation.Clean {
		log.Error("Residual identifiers detected, output is not safe to release",
			zap.Int64("residuals", summary.Validation.Residuals),
		)
	}

	return summary.ExitCode()
}

// services holds everything the engine borrows for one run
type services struct {
	source *regulation.PackSource
	store  mapping.Store
}

func (s *services) cleanup(log *logger.Logger) {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error("Mapping store close failed", zap.Error(err))
		}
	}
}

// initializeServices builds the regulation source and the mapping
// store. A store that cannot load is fatal: running with a silently
// empty table would re-pseudonymize everything.
func initializeServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	source, err := regulation.NewPackSource(log)
	if err != nil {
		return nil, err
	}

	store, err := mapping.FromConfig(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &services{source: source, store: store}, nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	logCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		logCfg.File = &logger.FileConfig{
			Enabled:  true,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}
	return logCfg
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
