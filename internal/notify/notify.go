package notify

import (
	"context"

	"github.com/orenshk/babyguard/internal/logger"
)

// Kind routes the notification on the client side.
type Kind string

const (
	KindDetectionAlert    Kind = "detection_alert"
	KindCameraDisconnect  Kind = "Camera_Disconnection"
	KindTrainingCompleted Kind = "training_completed"
)

// Notification is a push message delivered to a set of device tokens.
type Notification struct {
	Title string
	Body  string
	Kind  Kind
}

// Notifier delivers push notifications. Implementations must treat delivery
// as best effort; a failed send is logged by the caller, never fatal.
type Notifier interface {
	Send(ctx context.Context, tokens []string, n Notification) error
}

// NopNotifier drops notifications, used when push is disabled.
type NopNotifier struct {
	logger *logger.Logger
}

// NewNopNotifier creates a notifier that only logs.
func NewNopNotifier(log *logger.Logger) *NopNotifier {
	return &NopNotifier{logger: log}
}

// Send logs and drops the notification.
func (n *NopNotifier) Send(_ context.Context, tokens []string, msg Notification) error {
	n.logger.Debug("Push disabled, dropping notification",
		"tokens", len(tokens), "title", msg.Title, "kind", msg.Kind)
	return nil
}
