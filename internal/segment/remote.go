package segment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RemoteSegmenter calls a segmentation model served over HTTP.
//
// Request:  POST {endpoint} {"x":0.5,"y":0.5,"image":"<base64 PNG>"}
// Response: {"width":W,"height":H,"mask":"<base64 W*H bytes>"}
type RemoteSegmenter struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewRemoteSegmenter creates a client for endpoint. timeout <= 0 means 30s.
func NewRemoteSegmenter(endpoint string, timeout time.Duration, logger *slog.Logger) *RemoteSegmenter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteSegmenter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      logger,
	}
}

type remoteRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Image string  `json:"image"`
}

type remoteResponse struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mask   string `json:"mask"`
	Error  string `json:"error,omitempty"`
}

// Segment implements Segmenter.
func (r *RemoteSegmenter) Segment(ctx context.Context, img image.Image, click Point) (*CategoryMask, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	body, err := json.Marshal(remoteRequest{
		X:     click.X,
		Y:     click.Y,
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("segmenter returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("segmenter: %s", out.Error)
	}
	data, err := base64.StdEncoding.DecodeString(out.Mask)
	if err != nil {
		return nil, fmt.Errorf("decode mask: %w", err)
	}

	cm := &CategoryMask{Width: out.Width, Height: out.Height, Data: data}
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	r.log.Debug("segmentation finished",
		slog.String("endpoint", r.endpoint),
		slog.Duration("took", time.Since(start)),
		slog.Int("width", cm.Width),
		slog.Int("height", cm.Height))
	return cm, nil
}
