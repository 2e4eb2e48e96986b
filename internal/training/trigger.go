package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/store"
)

// Trigger starts a remote training run for a slot.
type Trigger interface {
	TriggerTraining(ctx context.Context, profileID int64, camera store.CameraType, fineTune bool) error
}

// HTTPTrigger fires the remote training endpoint. The call is one-shot; the
// caller reports a failure to the user instead of retrying, the poller only
// watches for artifacts of runs that actually started.
type HTTPTrigger struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
}

// HTTPTriggerConfig contains configuration for the training trigger.
type HTTPTriggerConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewHTTPTrigger creates a training trigger client.
func NewHTTPTrigger(cfg HTTPTriggerConfig, log *logger.Logger) *HTTPTrigger {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPTrigger{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

type triggerRequest struct {
	ProfileID  int64            `json:"baby_profile_id"`
	CameraType store.CameraType `json:"camera_type"`
	FineTune   bool             `json:"fine_tune"`
}

// TriggerTraining posts the training request to the remote endpoint.
func (t *HTTPTrigger) TriggerTraining(ctx context.Context, profileID int64, camera store.CameraType, fineTune bool) error {
	body, err := json.Marshal(triggerRequest{
		ProfileID:  profileID,
		CameraType: camera,
		FineTune:   fineTune,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal training trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create training trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("training trigger failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("training trigger returned status %d: %s", resp.StatusCode, data)
	}

	t.logger.Info("Remote training triggered",
		"profile_id", profileID, "camera_type", camera, "fine_tune", fineTune)
	return nil
}
