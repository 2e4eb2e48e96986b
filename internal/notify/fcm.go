package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
)

// TokenSource provides an OAuth2 access token for the FCM API. Credential
// handling lives outside this package.
type TokenSource func(ctx context.Context) (string, error)

// FCMClient sends push notifications through the FCM HTTP v1 API.
type FCMClient struct {
	projectID   string
	endpoint    string
	tokenSource TokenSource
	httpClient  *http.Client
	logger      *logger.Logger
}

// FCMConfig contains FCM client configuration.
type FCMConfig struct {
	ProjectID   string
	Endpoint    string // override for tests, defaults to the public API
	TokenSource TokenSource
	Timeout     time.Duration
}

// NewFCMClient creates an FCM push client.
func NewFCMClient(cfg FCMConfig, log *logger.Logger) *FCMClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://fcm.googleapis.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FCMClient{
		projectID:   cfg.ProjectID,
		endpoint:    cfg.Endpoint,
		tokenSource: cfg.TokenSource,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      log,
	}
}

type fcmMessage struct {
	Message struct {
		Token        string            `json:"token"`
		Notification fcmNotification   `json:"notification"`
		Data         map[string]string `json:"data,omitempty"`
		Android      *fcmAndroid       `json:"android,omitempty"`
	} `json:"message"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

// Send delivers the notification to every token. Per-token failures are
// logged and skipped so one stale token cannot block the rest.
func (c *FCMClient) Send(ctx context.Context, tokens []string, n Notification) error {
	if len(tokens) == 0 {
		return nil
	}

	accessToken, err := c.tokenSource(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain FCM access token: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, c.projectID)
	var lastErr error
	for _, token := range tokens {
		if err := c.sendOne(ctx, url, accessToken, token, n); err != nil {
			c.logger.Warn("Push delivery failed", "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (c *FCMClient) sendOne(ctx context.Context, url, accessToken, deviceToken string, n Notification) error {
	var msg fcmMessage
	msg.Message.Token = deviceToken
	msg.Message.Notification = fcmNotification{Title: n.Title, Body: n.Body}
	msg.Message.Data = map[string]string{"type": string(n.Kind)}
	msg.Message.Android = &fcmAndroid{Priority: "high"}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal push message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push service returned status %d: %s", resp.StatusCode, data)
	}
	return nil
}
