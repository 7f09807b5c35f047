package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/config"
	"github.com/clinisafe/scrub/internal/engine"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/mapping"
	"github.com/clinisafe/scrub/internal/regulation"
	"github.com/clinisafe/scrub/internal/report"
	"github.com/clinisafe/scrub/internal/watch"
	"github.com/clinisafe/scrub/internal/web"
	"github.com/clinisafe/scrub/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("scrubd %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck(*configPath)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting scrubd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
		zap.String("inbox", cfg.Watch.Dir),
	)

	// Daemon invariants: the inbox is the input, and settled batches
	// are processed once, keyed by content hash
	if cfg.Watch.Dir == "" {
		log.Fatal("watch.dir must be set for scrubd")
	}
	cfg.Processing.Input = cfg.Watch.Dir
	if !cfg.Processing.SkipProcessed {
		log.Info("Daemon mode forces processing.skip_processed")
		cfg.Processing.SkipProcessed = true
	}

	// The store lives for the whole process: one writer, shared by
	// every triggered run
	source, err := regulation.NewPackSource(log)
	if err != nil {
		log.Fatal("Failed to load regulation packs", zap.Error(err))
	}
	store, err := mapping.FromConfig(cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to build mapping store", zap.Error(err))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := store.Load(runCtx); err != nil {
		log.Fatal("Mapping store load failed", zap.Error(err))
	}
	defer store.Close()

	hub := websocket.NewHub(websocket.HubConfig{
		BroadcastFiles:      cfg.WebSocket.Events.BroadcastFiles,
		BroadcastValidation: cfg.WebSocket.Events.BroadcastValidation,
		BroadcastSystem:     cfg.WebSocket.Events.BroadcastSystem,
	}, log)
	go hub.Run(runCtx)

	holder := &engineHolder{}
	server := web.New(cfg, holder, hub, log)

	// Start status server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Safe settings hot-reload onto the next triggered run. Identity
	// settings (salt, seed, countries, store) stay fixed for the
	// process lifetime, otherwise a config edit could fork pseudonyms.
	var cfgMu sync.Mutex
	runCfg := cfg
	if err := config.Watch(cfg, func(updated *config.Config) {
		next := *cfg
		next.Processing.Validate = updated.Processing.Validate
		next.Processing.RateLimit = updated.Processing.RateLimit
		next.Processing.ProgressEvery = updated.Processing.ProgressEvery
		next.Report = updated.Report

		cfgMu.Lock()
		runCfg = &next
		cfgMu.Unlock()

		log.Info("Configuration reloaded, safe settings apply to the next run",
			zap.Bool("validate", next.Processing.Validate),
			zap.Float64("rate_limit", next.Processing.RateLimit),
		)
	}); err != nil {
		log.Warn("Configuration watch unavailable", zap.Error(err))
	}

	// trigger runs one full pass; the watcher serializes calls
	trigger := func(ctx context.Context) {
		cfgMu.Lock()
		rc := runCfg
		cfgMu.Unlock()

		eng, err := engine.New(rc, source, store, hub, log)
		if err != nil {
			log.Error("Engine build failed", zap.Error(err))
			return
		}
		holder.set(eng)

		summary, err := eng.Run(ctx)
		switch {
		case err != nil:
			log.Error("Run failed", zap.Error(err))
		case summary.Validation.Enabled && !summary.Validation.Clean:
			log.Error("Residual identifiers detected, output is not safe to release",
				zap.Int64("residuals", summary.Validation.Residuals),
			)
		}
	}

	watcher, err := watch.New(watch.Config{
		Dir:    cfg.Watch.Dir,
		Settle: cfg.Watch.Settle,
	}, trigger, log)
	if err != nil {
		log.Fatal("Failed to build inbox watcher", zap.Error(err))
	}

	watcherErrors := make(chan error, 1)
	go func() {
		// Process whatever is already in the inbox before watching
		trigger(runCtx)
		watcherErrors <- watcher.Run(runCtx)
	}()

	go broadcastStatus(runCtx, holder, hub, time.Now())

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Status server error", zap.Error(err))
	case err := <-watcherErrors:
		if err != nil && err != context.Canceled {
			log.Error("Inbox watcher stopped", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop taking requests first, then the run machinery. The store
	// flushes on Close, so mappings survive shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Error("Failed to shutdown server gracefully", zap.Error(err))
	}
	runCancel()

	log.Info("Daemon shutdown complete")
}

// engineHolder hands the status server whichever engine is current.
// The daemon builds a fresh engine per triggered run.
type engineHolder struct {
	mu      sync.Mutex
	current *engine.Engine
}

func (h *engineHolder) set(eng *engine.Engine) {
	h.mu.Lock()
	h.current = eng
	h.mu.Unlock()
}

func (h *engineHolder) Status(ctx context.Context) engine.Status {
	h.mu.Lock()
	eng := h.current
	h.mu.Unlock()

	if eng == nil {
		return engine.Status{State: "idle"}
	}
	return eng.Status(ctx)
}

func (h *engineHolder) Report() report.Summary {
	h.mu.Lock()
	eng := h.current
	h.mu.Unlock()

	if eng == nil {
		return report.Summary{}
	}
	return eng.Report()
}

// broadcastStatus pushes a system status event every 10 seconds for
// dashboard clients
func broadcastStatus(ctx context.Context, holder *engineHolder, hub *websocket.Hub, start time.Time) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := holder.Status(ctx)
			stats := hub.GetStats()
			hub.BroadcastEvent(websocket.Event{
				Type:      websocket.EventTypeSystemStatus,
				Timestamp: time.Now().UTC(),
				Data: websocket.SystemStatusEvent{
					State:            status.State,
					RunID:            status.RunID,
					Records:          status.Records,
					Findings:         status.Findings,
					StoreEntries:     status.StoreEntries,
					ConnectedClients: int(stats.ActiveConnections),
					Uptime:           time.Since(start).Round(time.Second).String(),
				},
			})
		}
	}
}

// performHealthCheck probes the running daemon, for container health
// checks
func performHealthCheck(configPath string) {
	port := 8080
	if cfg, err := config.Load(configPath); err == nil {
		port = cfg.Server.Port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
