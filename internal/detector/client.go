package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
)

// Client is an HTTP client for the inference service.
type Client struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger
}

// ClientConfig contains configuration for the inference client.
type ClientConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

// NewClient creates a new inference service client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		serviceURL: cfg.ServiceURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

type inferenceRequest struct {
	Image     string `json:"image"` // base64-encoded JPEG
	ModelPath string `json:"model_path"`
}

type inferenceResponse struct {
	Detections      []Detection `json:"detections"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
}

// Detect posts the frame to the inference service and returns the raw
// detections. Confidence filtering is the caller's concern.
func (c *Client) Detect(ctx context.Context, modelPath string, frame []byte) ([]Detection, error) {
	req := inferenceRequest{
		Image:     base64.StdEncoding.EncodeToString(frame),
		ModelPath: modelPath,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/inference", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, data)
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}

	c.logger.Debug("Inference complete",
		"detections", len(out.Detections),
		"inference_ms", out.InferenceTimeMs,
	)
	return out.Detections, nil
}
