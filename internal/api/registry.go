package api

import (
	"github.com/splat-tiles/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// DatasetRegistry holds the sessions of all configured datasets.
type DatasetRegistry struct {
	sessions       map[string]*service.Session
	names          map[string]string
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		sessions:       make(map[string]*service.Session),
		names:          make(map[string]string),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds the session of a dataset. name is the display name; empty uses the id.
func (r *DatasetRegistry) Register(datasetID, name string, s *service.Session) {
	r.sessions[datasetID] = s
	if name != "" {
		r.names[datasetID] = name
	}
}

// Get returns the session for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Session {
	return r.sessions[datasetID]
}

// Default returns the default dataset's session.
func (r *DatasetRegistry) Default() *service.Session {
	return r.sessions[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Splat Histogram"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		s := r.sessions[id]
		if s == nil {
			continue
		}
		name := r.names[id]
		if name == "" {
			name = id
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   name,
			Points: s.Points().Len(),
		})
	}
	return infos
}
