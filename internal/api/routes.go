// Package api provides HTTP handlers for the splat histogram server.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/splat-tiles/server/internal/attribute"
	"github.com/splat-tiles/server/internal/mask"
	"github.com/splat-tiles/server/internal/segment"
	"github.com/splat-tiles/server/internal/selection"
	"github.com/splat-tiles/server/internal/service"
)

// maxBodyBytes bounds request bodies; click requests carry a rendered frame.
const maxBodyBytes = 32 << 20

var errInvalidParam = errors.New("invalid parameter")

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/attributes", attributesHandler)
			r.Put("/attributes", updateAttributesHandler)
			r.Get("/histogram", histogramHandler)
			r.Get("/histogram.png", histogramImageHandler)
			r.Get("/histogram/buckets/{bucket}", bucketInfoHandler)
			r.Post("/select/range", selectRangeHandler)
			r.Get("/totals", totalsHandler)
			r.Post("/undo", undoHandler)
			r.Post("/redo", redoHandler)

			r.Route("/segment", func(r chi.Router) {
				r.Get("/state", segmentStateHandler)
				r.Post("/start", segmentStartHandler)
				r.Post("/click", segmentClickHandler)
				r.Get("/mask.png", segmentMaskHandler)
				r.Post("/accept", segmentAcceptHandler)
				r.Post("/cancel", segmentCancelHandler)
			})

			r.Get("/views", viewsHandler)
			r.Delete("/views", clearViewsHandler)
			r.Delete("/views/{id}", removeViewHandler)
		})
	})

	return r
}

// Context key for dataset session
type ctxKey string

const datasetSessionKey ctxKey = "datasetSession"

// datasetMiddleware resolves the dataset from URL and injects its session into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			s := registry.Get(datasetID)
			if s == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetSessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *service.Session {
	if s, ok := r.Context().Value(datasetSessionKey).(*service.Session); ok {
		return s
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errInvalidParam),
		errors.Is(err, attribute.ErrUnresolvableAttribute),
		errors.Is(err, selection.ErrInvalidBucketRange),
		errors.Is(err, selection.ErrUnknownOp),
		errors.Is(err, mask.ErrUnknownOperator):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPanelHidden),
		errors.Is(err, segment.ErrInvalidTransition),
		errors.Is(err, segment.ErrNoMask):
		return http.StatusConflict
	case errors.Is(err, segment.ErrSegmentationUnavailable),
		errors.Is(err, segment.ErrQueueFull),
		errors.Is(err, segment.ErrQueueStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// applyView switches attribute and log scale from the attribute and log query
// parameters or body fields. Empty values leave the current setting.
func applyView(s *service.Session, attr, logParam string) error {
	attr = strings.TrimSpace(attr)
	if attr != "" {
		if err := s.SetAttribute(attr); err != nil {
			return err
		}
	}
	if logParam != "" {
		on, err := strconv.ParseBool(logParam)
		if err != nil {
			return fmt.Errorf("%w: log=%q", errInvalidParam, logParam)
		}
		s.SetLogScale(on)
	}
	return nil
}

func attributesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Attributes())
}

type attributesRequest struct {
	Attribute string `json:"attribute"`
	LogScale  *bool  `json:"log_scale"`
	Visible   *bool  `json:"visible"`
}

func updateAttributesHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req attributesRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Visible != nil {
		s.SetVisible(*req.Visible)
	}
	if req.Attribute != "" {
		if err := s.SetAttribute(req.Attribute); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.LogScale != nil {
		s.SetLogScale(*req.LogScale)
	}
	writeJSON(w, http.StatusOK, s.Attributes())
}

func histogramHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	q := r.URL.Query()
	if err := applyView(s, q.Get("attribute"), q.Get("log")); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.SnapshotJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func histogramImageHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	q := r.URL.Query()
	if err := applyView(s, q.Get("attribute"), q.Get("log")); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.HistogramPNG(q.Get("colormap"))
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError && strings.Contains(err.Error(), "unknown colormap") {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writePNG(w, data)
}

func bucketInfoHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	bucket, err := strconv.Atoi(chi.URLParam(r, "bucket"))
	if err != nil {
		http.Error(w, "invalid bucket", http.StatusBadRequest)
		return
	}
	h, err := s.Histogram()
	if err != nil {
		writeError(w, err)
		return
	}
	if bucket < 0 || bucket >= h.NumBuckets() {
		http.Error(w, fmt.Sprintf("bucket %d out of range [0, %d)", bucket, h.NumBuckets()), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.BucketInfo(bucket))
}

type selectRangeRequest struct {
	Op        string `json:"op"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Attribute string `json:"attribute"`
	LogScale  *bool  `json:"log"`
}

func selectRangeHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req selectRangeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	op, err := selection.ParseOp(req.Op)
	if err != nil {
		writeError(w, err)
		return
	}
	logParam := ""
	if req.LogScale != nil {
		logParam = strconv.FormatBool(*req.LogScale)
	}
	if err := applyView(s, req.Attribute, logParam); err != nil {
		writeError(w, err)
		return
	}
	flipped, err := s.SelectRange(op, req.Start, req.End)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flipped": flipped,
		"totals":  s.Totals(),
	})
}

func totalsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Totals())
}

func undoHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	applied := s.Undo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"totals":  s.Totals(),
	})
}

func redoHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	applied := s.Redo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"totals":  s.Totals(),
	})
}

func segmentStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).SegmentState())
}

func segmentStartHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	if err := s.StartSegment(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SegmentState())
}

type clickRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Image string  `json:"image"`
}

func segmentClickHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req clickRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.X < 0 || req.X > 1 || req.Y < 0 || req.Y > 1 {
		http.Error(w, "click must be in normalized [0, 1] coordinates", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		http.Error(w, "invalid image encoding: "+err.Error(), http.StatusBadRequest)
		return
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		http.Error(w, "invalid png: "+err.Error(), http.StatusBadRequest)
		return
	}

	ticket, err := s.Click(img, segment.Point{X: req.X, Y: req.Y})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ticket": ticket,
		"state":  s.SegmentState(),
	})
}

func segmentMaskHandler(w http.ResponseWriter, r *http.Request) {
	data, err := getSession(r).MaskPNG()
	if err != nil {
		writeError(w, err)
		return
	}
	writePNG(w, data)
}

type acceptRequest struct {
	Operator       string    `json:"operator"`
	ViewProjection []float64 `json:"view_projection"`
}

func segmentAcceptHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	var req acceptRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ViewProjection) != 16 {
		http.Error(w, "view_projection must have 16 elements", http.StatusBadRequest)
		return
	}
	var vp [16]float64
	copy(vp[:], req.ViewProjection)

	res, err := s.AcceptSegment(req.Operator, segment.NewProjectionMapper(vp))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
		"totals": s.Totals(),
	})
}

func segmentCancelHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	s.CancelSegment()
	writeJSON(w, http.StatusOK, s.SegmentState())
}

func viewsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"views": getSession(r).Views(),
	})
}

func removeViewHandler(w http.ResponseWriter, r *http.Request) {
	s := getSession(r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid view id", http.StatusBadRequest)
		return
	}
	if !s.RemoveView(id) {
		http.Error(w, "view not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"views":  s.Views(),
		"totals": s.Totals(),
	})
}

func clearViewsHandler(w http.ResponseWriter, r *http.Request) {
	getSession(r).ClearViews()
	w.WriteHeader(http.StatusNoContent)
}
