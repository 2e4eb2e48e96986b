package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/orenshk/babyguard/internal/detector"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

var (
	// ErrNoIP is returned when the slot has no connected camera.
	ErrNoIP = errors.New("no camera connected for this slot")

	// ErrNoModel is returned when no trained model exists for the slot.
	ErrNoModel = errors.New("no trained model for this slot")

	// ErrNotOwner is returned when the profile belongs to a different user.
	ErrNotOwner = errors.New("profile does not belong to user")
)

// BufferFactory builds a stream buffer for a camera's stream URL.
type BufferFactory func(streamURL string) FrameBuffer

// Disconnecter clears the persisted connection state of a slot. Satisfied by
// the connection registry.
type Disconnecter interface {
	Disconnect(ctx context.Context, profileID int64, camera store.CameraType) error
}

type slotKey struct {
	ProfileID int64
	Camera    store.CameraType
}

// Manager owns the set of running detection sessions, at most one per
// (profile, camera type) slot.
type Manager struct {
	store       *store.Store
	detector    detector.Detector
	hub         *realtime.Hub
	notifier    notify.Notifier
	connections Disconnecter
	newBuffer   BufferFactory
	trainingDir string
	sessionCfg  SessionConfig
	logger      *logger.Logger

	mu       sync.Mutex
	sessions map[slotKey]*session
}

// NewManager creates a session manager with no running sessions.
func NewManager(
	st *store.Store,
	det detector.Detector,
	hub *realtime.Hub,
	notifier notify.Notifier,
	connections Disconnecter,
	newBuffer BufferFactory,
	trainingDir string,
	sessionCfg SessionConfig,
	log *logger.Logger,
) *Manager {
	return &Manager{
		store:       st,
		detector:    det,
		hub:         hub,
		notifier:    notifier,
		connections: connections,
		newBuffer:   newBuffer,
		trainingDir: trainingDir,
		sessionCfg:  sessionCfg,
		logger:      log,
		sessions:    make(map[slotKey]*session),
	}
}

// Start launches a detection session for the slot. The profile must belong
// to the user, the slot must have a connected camera and a trained model
// must exist on disk. Starting an already running slot is a no-op.
func (m *Manager) Start(ctx context.Context, userID, profileID int64, camera store.CameraType) error {
	profile, err := m.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if profile.UserID != userID {
		return ErrNotOwner
	}

	slot, err := m.store.GetSlot(ctx, profileID, camera)
	if err != nil {
		return err
	}
	if slot.IP == "" {
		return ErrNoIP
	}

	modelPath := training.ModelPath(m.trainingDir, profileID, camera)
	if _, err := os.Stat(modelPath); err != nil {
		return ErrNoModel
	}

	key := slotKey{ProfileID: profileID, Camera: camera}

	m.mu.Lock()
	if _, running := m.sessions[key]; running {
		m.mu.Unlock()
		return nil
	}

	sess := newSession(profileID, userID, camera, modelPath,
		m.newBuffer(fmt.Sprintf("http://%s/stream", slot.IP)),
		m.detector, m.store, m.hub, m.notifier,
		m.sessionCfg, m.handleDisconnect, m.logger)
	m.sessions[key] = sess
	m.mu.Unlock()

	if err := m.store.SetSlotDetecting(ctx, profileID, camera, true); err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return err
	}

	if !sess.start() {
		// A concurrent Stop reached the session between publication and
		// launch; it already marked the session dead, so nothing is running.
		// Leave the slot stopped.
		m.mu.Lock()
		if m.sessions[key] == sess {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		return m.store.SetSlotDetecting(ctx, profileID, camera, false)
	}
	m.logger.Info("Monitoring started", "profile_id", profileID, "camera_type", camera)
	return nil
}

// Stop terminates the slot's session, if any, and clears its detecting flag.
func (m *Manager) Stop(ctx context.Context, profileID int64, camera store.CameraType) error {
	key := slotKey{ProfileID: profileID, Camera: camera}

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		sess.stop()
		m.logger.Info("Monitoring stopped", "profile_id", profileID, "camera_type", camera)
	}
	return m.store.SetSlotDetecting(ctx, profileID, camera, false)
}

// StopAllForProfile stops every running session of a profile. Used before
// profile deletion and on connection reset.
func (m *Manager) StopAllForProfile(ctx context.Context, profileID int64) error {
	var firstErr error
	for _, camera := range []store.CameraType{store.HeadCamera, store.StaticCamera} {
		if err := m.Stop(ctx, profileID, camera); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Running reports whether the slot currently has a live session.
func (m *Manager) Running(profileID int64, camera store.CameraType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[slotKey{ProfileID: profileID, Camera: camera}]
	return ok
}

// handleDisconnect tears down the session of a camera its session declared
// gone and clears the slot's persisted connection state.
func (m *Manager) handleDisconnect(profileID int64, camera store.CameraType) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Stop(ctx, profileID, camera); err != nil {
		m.logger.Error("Failed to stop session after disconnect",
			"profile_id", profileID, "camera_type", camera, "error", err)
	}
	if err := m.connections.Disconnect(ctx, profileID, camera); err != nil {
		m.logger.Error("Failed to clear slot after disconnect",
			"profile_id", profileID, "camera_type", camera, "error", err)
	}

	// Sessions are per slot, so stopping this one tears down everything the
	// disconnected camera owned. When the sibling slot is idle too, this was
	// the profile's last session and monitoring for it has fully ended.
	if !m.Running(profileID, siblingCamera(camera)) {
		m.logger.Info("Last session stopped, monitoring ended for profile", "profile_id", profileID)
	}
}

func siblingCamera(camera store.CameraType) store.CameraType {
	if camera == store.HeadCamera {
		return store.StaticCamera
	}
	return store.HeadCamera
}
