// Package cache provides caching for rendered histograms and serialized snapshots.
//
// Keys embed the session generation, so a state change makes every older entry
// unreachable and no explicit invalidation is needed.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	RenderCacheSizeMB int
	RenderTTL         time.Duration
	QueryCacheSize    int
}

// Manager manages render and query caches.
type Manager struct {
	renderCache *bigcache.BigCache
	queryCache  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RenderTTL <= 0 {
		cfg.RenderTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 512
	}

	renderCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.RenderTTL,
		CleanWindow:        cfg.RenderTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024, // 64KB per PNG
		HardMaxCacheSize:   cfg.RenderCacheSizeMB,
		Verbose:            false,
	}

	renderCache, err := bigcache.New(context.Background(), renderCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create render cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		renderCache: renderCache,
		queryCache:  queryCache,
	}, nil
}

// GetRender retrieves a rendered image from cache.
func (m *Manager) GetRender(key string) ([]byte, bool) {
	data, err := m.renderCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetRender stores a rendered image in cache.
func (m *Manager) SetRender(key string, data []byte) error {
	return m.renderCache.Set(key, data)
}

// GetQuery retrieves a serialized query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a serialized query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// HistogramKey identifies a histogram snapshot of one dataset state.
func HistogramKey(dataset string, generation uint64, attribute string, logScale bool, buckets int) string {
	return fmt.Sprintf("hist:%s:%d:%s:log=%t:k=%d", dataset, generation, attribute, logScale, buckets)
}

// HistogramImageKey identifies a rendered histogram.
func HistogramImageKey(histKey string, width, height int, colormap string) string {
	return fmt.Sprintf("%s:png:%dx%d:%s", histKey, width, height, colormap)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.renderCache.Stats()
	return map[string]interface{}{
		"render_cache_len":    m.renderCache.Len(),
		"render_cache_cap":    m.renderCache.Capacity(),
		"render_cache_hits":   stats.Hits,
		"render_cache_misses": stats.Misses,
		"query_cache_len":     m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.renderCache.Close()
}
