package realtime

import (
	"time"

	"github.com/orenshk/babyguard/internal/store"
)

// Event types carried over the realtime channel.
const (
	EventHazardDetected         = "hazard_detected"
	EventCameraDisconnected     = "camera_disconnected"
	EventModelTrainingCompleted = "model_training_completed"
)

// HazardEvent notifies the user that an object was detected.
type HazardEvent struct {
	Type        string           `json:"type"`
	ProfileID   int64            `json:"baby_profile_id"`
	CameraType  store.CameraType `json:"camera_type"`
	ClassID     int64            `json:"class_id"`
	ClassName   string           `json:"class_name"`
	RiskLevel   store.RiskLevel  `json:"risk_level"`
	Confidence  float64          `json:"confidence"`
	DetectionID int64            `json:"detection_id"`
	Timestamp   string           `json:"timestamp"`
}

// NewHazardEvent builds a hazard_detected event from a persisted detection.
func NewHazardEvent(d *store.Detection, risk store.RiskLevel) HazardEvent {
	return HazardEvent{
		Type:        EventHazardDetected,
		ProfileID:   d.ProfileID,
		CameraType:  d.Camera,
		ClassID:     d.ClassID,
		ClassName:   d.ClassName,
		RiskLevel:   risk,
		Confidence:  d.Confidence,
		DetectionID: d.ID,
		Timestamp:   d.Timestamp.UTC().Format(time.RFC3339),
	}
}

// DisconnectEvent notifies the user that a camera went away mid-session.
type DisconnectEvent struct {
	Type       string           `json:"type"`
	ProfileID  int64            `json:"baby_profile_id"`
	CameraType store.CameraType `json:"camera_type"`
	Timestamp  string           `json:"timestamp"`
}

// NewDisconnectEvent builds a camera_disconnected event.
func NewDisconnectEvent(profileID int64, camera store.CameraType, at time.Time) DisconnectEvent {
	return DisconnectEvent{
		Type:       EventCameraDisconnected,
		ProfileID:  profileID,
		CameraType: camera,
		Timestamp:  at.UTC().Format(time.RFC3339),
	}
}

// TrainingCompletedEvent notifies the user that a fresh model is installed.
type TrainingCompletedEvent struct {
	Type       string           `json:"type"`
	ProfileID  int64            `json:"baby_profile_id"`
	CameraType store.CameraType `json:"camera_type"`
}

// NewTrainingCompletedEvent builds a model_training_completed event.
func NewTrainingCompletedEvent(profileID int64, camera store.CameraType) TrainingCompletedEvent {
	return TrainingCompletedEvent{
		Type:       EventModelTrainingCompleted,
		ProfileID:  profileID,
		CameraType: camera,
	}
}
