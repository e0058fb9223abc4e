// Package config handles configuration loading for the splat histogram server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Data         DataConfig         `yaml:"data"`
	Histogram    HistogramConfig    `yaml:"histogram"`
	Cache        CacheConfig        `yaml:"cache"`
	Render       RenderConfig       `yaml:"render"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig points at one splat scene.
type DatasetConfig struct {
	PLYPath string `yaml:"ply_path"`
	Name    string `yaml:"name"`
}

// DataConfig contains the configured scenes, keyed by dataset id.
//
// Two YAML forms are accepted:
//
//	data:
//	  ply_path: scene.ply          # legacy single dataset, id "default"
//
//	data:
//	  garden: {ply_path: garden.ply}
//	  bicycle: {ply_path: bicycle.ply.zst}
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns dataset ids in configuration order.
func (d *DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// UnmarshalYAML keeps the mapping order of the datasets.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got line %d", node.Line)
	}

	var legacy DatasetConfig
	if err := node.Decode(&legacy); err == nil && legacy.PLYPath != "" {
		d.set("default", legacy)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", key, err)
		}
		d.set(key, ds)
	}
	return nil
}

func (d *DataConfig) set(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	if ds.Name == "" {
		ds.Name = id
	}
	d.Datasets[id] = ds
}

// HistogramConfig contains histogram settings.
type HistogramConfig struct {
	Buckets    int     `yaml:"buckets"`
	LogEpsilon float64 `yaml:"log_epsilon"`
	// HistoryDepth bounds the selection undo stack.
	HistoryDepth int `yaml:"history_depth"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	RenderSizeMB     int `yaml:"render_size_mb"`
	RenderTTLMinutes int `yaml:"render_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Colormap string `yaml:"colormap"`
}

// SegmentationConfig points at the remote segmentation model. An empty endpoint
// disables segmentation.
type SegmentationConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Splat Histogram",
		},
		Histogram: HistogramConfig{
			Buckets:      256,
			LogEpsilon:   1e-6,
			HistoryDepth: 64,
		},
		Cache: CacheConfig{
			RenderSizeMB:     64,
			RenderTTLMinutes: 10,
			QueryCacheSize:   512,
		},
		Render: RenderConfig{
			Width:    512,
			Height:   128,
			Colormap: "viridis",
		},
		Segmentation: SegmentationConfig{
			TimeoutSeconds: 30,
		},
	}
	cfg.Data.set("default", DatasetConfig{PLYPath: "./data/scene.ply"})
	cfg.Data.DefaultDataset = "default"
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.DefaultDataset == "" {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	if cfg.Histogram.Buckets <= 0 {
		cfg.Histogram.Buckets = defaults.Histogram.Buckets
	}
	if cfg.Histogram.LogEpsilon <= 0 {
		cfg.Histogram.LogEpsilon = defaults.Histogram.LogEpsilon
	}
	if cfg.Histogram.HistoryDepth <= 0 {
		cfg.Histogram.HistoryDepth = defaults.Histogram.HistoryDepth
	}
	if cfg.Cache.RenderSizeMB == 0 {
		cfg.Cache.RenderSizeMB = defaults.Cache.RenderSizeMB
	}
	if cfg.Cache.RenderTTLMinutes == 0 {
		cfg.Cache.RenderTTLMinutes = defaults.Cache.RenderTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Segmentation.TimeoutSeconds == 0 {
		cfg.Segmentation.TimeoutSeconds = defaults.Segmentation.TimeoutSeconds
	}
}
