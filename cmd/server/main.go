// Pathlight Server
//
// Features:
// - Live filesystem index with native watching & polling fallback
// - Fuzzy search, tag filters & autosuggest
// - Git repository metadata collection
// - File streaming & in-file search
// - SSE real-time change notifications
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/api"
	"github.com/pathlight/pathlight/internal/config"
	"github.com/pathlight/pathlight/internal/content"
	"github.com/pathlight/pathlight/internal/events"
	"github.com/pathlight/pathlight/internal/gitmeta"
	"github.com/pathlight/pathlight/internal/index"
	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"github.com/pathlight/pathlight/internal/search"
	"github.com/pathlight/pathlight/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Pathlight Server starting...",
		zap.String("root", cfg.RootDir),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the entry store
	st, err := store.New()
	if err != nil {
		logging.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	// Initialize git metadata collection
	git := gitmeta.New(st, cfg.GitTimeout, cfg.GitMaxOutput)

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Initialize the search cache
	cache := search.NewCache(st, cfg.SearchLimit)

	// Initialize the index
	ix, err := index.New(index.Options{
		Root:         cfg.RootDir,
		Store:        st,
		Cache:        cache,
		Broadcaster:  broadcaster,
		Git:          git,
		PollInterval: cfg.PollInterval,
		IgnoreFile:   cfg.IgnoreFile,
	})
	if err != nil {
		logging.Fatal("index init failed", zap.Error(err))
	}

	logging.Info("scanning root directory...")
	if err := ix.Scan(ctx); err != nil {
		logging.Fatal("initial scan failed", zap.Error(err))
	}
	ix.Start(ctx)
	defer ix.Close()

	svc := content.NewService(cfg.SearchLimit)
	srv := api.NewServer(cfg.RootDir, cache, ix, svc, broadcaster)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if count, err := st.EntryCount(ctx); err == nil {
					metrics.SetIndexEntries(count)
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
