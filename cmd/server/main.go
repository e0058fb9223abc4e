// Package main is the entry point for the splat histogram server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/splat-tiles/server/internal/api"
	"github.com/splat-tiles/server/internal/cache"
	"github.com/splat-tiles/server/internal/config"
	"github.com/splat-tiles/server/internal/metrics"
	"github.com/splat-tiles/server/internal/render"
	"github.com/splat-tiles/server/internal/segment"
	"github.com/splat-tiles/server/internal/service"
	"github.com/splat-tiles/server/internal/splat"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting splat histogram server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		RenderCacheSizeMB: cfg.Cache.RenderSizeMB,
		RenderTTL:         time.Duration(cfg.Cache.RenderTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize renderers (shared across all datasets)
	histRenderer := render.NewHistogramRenderer(render.Config{
		Width:    cfg.Render.Width,
		Height:   cfg.Render.Height,
		Colormap: cfg.Render.Colormap,
	})
	overlay := render.NewMaskOverlay()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Segmentation is optional
	var queue *segment.Queue
	if cfg.Segmentation.Endpoint != "" {
		timeout := time.Duration(cfg.Segmentation.TimeoutSeconds) * time.Second
		queue = segment.NewQueue(
			segment.NewRemoteSegmenter(cfg.Segmentation.Endpoint, timeout, nil),
			segment.QueueConfig{Timeout: timeout},
			nil,
		)
		queue.Start()
		defer queue.Stop()
		log.Printf("Segmentation model: %s (timeout %s)", cfg.Segmentation.Endpoint, timeout)
	} else {
		log.Printf("Segmentation disabled: no endpoint configured")
	}

	// Load datasets in parallel
	datasetIDs := cfg.Data.DatasetIDs()
	log.Printf("Loading %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	points := make([]*splat.PointSet, len(datasetIDs))
	g, _ := errgroup.WithContext(ctx)
	for i, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		g.Go(func() error {
			start := time.Now()
			ps, err := splat.LoadFile(ds.PLYPath)
			if err != nil {
				return fmt.Errorf("dataset %q: %w", datasetID, err)
			}
			log.Printf("  [%s] Loaded %d splats from %s in %s", datasetID, ps.Len(), ds.PLYPath, time.Since(start).Round(time.Millisecond))
			points[i] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Failed to load datasets: %v", err)
	}

	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	for i, datasetID := range datasetIDs {
		s := service.NewSession(service.SessionConfig{
			DatasetID:    datasetID,
			Points:       points[i],
			Buckets:      cfg.Histogram.Buckets,
			LogEpsilon:   cfg.Histogram.LogEpsilon,
			HistoryDepth: cfg.Histogram.HistoryDepth,
			Colormap:     cfg.Render.Colormap,
			Cache:        cacheManager,
			Renderer:     histRenderer,
			Overlay:      overlay,
			Segmentation: queue,
			Metrics:      m,
		})
		registry.Register(datasetID, cfg.Data.Datasets[datasetID].Name, s)
		log.Printf("  [%s] Attribute: %s", datasetID, s.Attributes().Active)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:       registry,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
