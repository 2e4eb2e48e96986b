package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orenshk/babyguard/internal/detector"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
)

// FrameBuffer is the session's view of its stream buffer.
type FrameBuffer interface {
	Start()
	Stop()
	Restart()
	LatestFrame() ([]byte, bool)
}

// SessionConfig contains detection loop tuning knobs.
type SessionConfig struct {
	MaxReadFails    int           // null frames tolerated before a buffer restart
	MaxRestarts     int           // buffer restarts before declaring disconnection
	ConfidenceFloor float64       // detections below this are discarded
	Cooldown        time.Duration // at most one alert per class per window
	CycleDelay      time.Duration // pause between loop cycles
	DetectionsDir   string        // root for annotated detection images
}

// session is the live detection task bound to one connected slot. The dedup
// map is owned by the session alone; stopping the session discards it so a
// restarted session starts with clean cooldown state.
type session struct {
	profileID int64
	userID    int64
	camera    store.CameraType
	modelPath string

	buffer   FrameBuffer
	detector detector.Detector
	store    *store.Store
	hub      *realtime.Hub
	notifier notify.Notifier
	logger   *logger.Logger
	cfg      SessionConfig

	// onDisconnect is invoked when the camera is declared gone; the manager
	// uses it to tear this session down and decide whether monitoring for
	// the whole profile should stop.
	onDisconnect func(profileID int64, camera store.CameraType)

	lastFired map[int]time.Time // model index -> last alert time

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSession(
	profileID, userID int64,
	camera store.CameraType,
	modelPath string,
	buffer FrameBuffer,
	det detector.Detector,
	st *store.Store,
	hub *realtime.Hub,
	notifier notify.Notifier,
	cfg SessionConfig,
	onDisconnect func(int64, store.CameraType),
	log *logger.Logger,
) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		profileID:    profileID,
		userID:       userID,
		camera:       camera,
		modelPath:    modelPath,
		buffer:       buffer,
		detector:     det,
		store:        st,
		hub:          hub,
		notifier:     notifier,
		cfg:          cfg,
		onDisconnect: onDisconnect,
		lastFired:    make(map[int]time.Time),
		logger: log.With(
			"profile_id", profileID,
			"camera_type", camera,
		),
	}
}

// start launches the stream buffer and the detection loop. It reports false
// when the session has already been stopped, in which case nothing runs.
func (s *session) start() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.started {
		s.mu.Unlock()
		return true
	}
	s.started = true
	s.mu.Unlock()

	s.buffer.Start()
	go s.run(s.ctx)
	return true
}

// stop cancels the loop, waits for it to exit, stops the buffer and purges
// the dedup state. A session stopped before start stays permanently dead:
// a later start must not launch anything.
func (s *session) stop() {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
	s.buffer.Stop()
	s.lastFired = make(map[int]time.Time)
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("Detection session started")

	readFails := 0
	restarts := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Detection session stopped")
			return
		default:
		}

		frame, ok := s.buffer.LatestFrame()
		if !ok {
			readFails++
			if readFails >= s.cfg.MaxReadFails {
				if restarts < s.cfg.MaxRestarts {
					restarts++
					readFails = 0
					s.logger.Warn("No frames, restarting stream buffer", "attempt", restarts)
					s.buffer.Restart()
					continue
				}
				s.logger.Warn("Camera declared disconnected")
				s.handleDisconnected(ctx)
				return
			}
			if !s.sleep(ctx) {
				return
			}
			continue
		}
		readFails = 0
		restarts = 0

		detections, err := s.detector.Detect(ctx, s.modelPath, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Inference failed", "error", err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		now := time.Now().UTC()
		for _, d := range detections {
			if d.Confidence <= s.cfg.ConfidenceFloor {
				continue
			}
			if last, fired := s.lastFired[d.ClassIndex]; fired && now.Sub(last) <= s.cfg.Cooldown {
				// Within the cooldown window: at most one alert per class
				// per window, so this one is dropped silently.
				continue
			}
			s.lastFired[d.ClassIndex] = now
			s.recordDetection(ctx, frame, d, now)
		}

		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *session) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.CycleDelay):
		return true
	}
}

// recordDetection persists the event, archives the annotated frame and fans
// the alert out over realtime and push.
func (s *session) recordDetection(ctx context.Context, frame []byte, d detector.Detection, now time.Time) {
	class, err := s.store.ClassByModelIndex(ctx, s.profileID, s.camera, d.ClassIndex)
	if err != nil {
		s.logger.Warn("Detection references unknown class index", "class_index", d.ClassIndex, "error", err)
		return
	}

	imagePath, err := s.saveDetectionImage(frame, d, class, now)
	if err != nil {
		s.logger.Warn("Failed to save detection image", "error", err)
		imagePath = ""
	}

	event := &store.Detection{
		ProfileID:  s.profileID,
		ClassID:    class.ID,
		ClassName:  class.Name,
		Confidence: d.Confidence,
		Camera:     s.camera,
		Timestamp:  now,
		ImagePath:  imagePath,
	}
	if _, err := s.store.InsertDetection(ctx, event); err != nil {
		s.logger.Error("Failed to persist detection", "error", err)
		return
	}

	s.logger.Info("Hazard detected",
		"class", class.Name,
		"confidence", d.Confidence,
		"detection_id", event.ID,
	)

	s.hub.SendPersonal(s.userID, realtime.NewHazardEvent(event, class.RiskLevel))
	s.pushToUser(notify.Notification{
		Title: "Hazard Detected",
		Body:  fmt.Sprintf("Object detected: %s (%s) - Risk Level: %s", class.Name, s.camera, class.RiskLevel),
		Kind:  notify.KindDetectionAlert,
	})
}

// saveDetectionImage writes the annotated frame under
// <detectionsDir>/<profile>/<cameraType>/.
func (s *session) saveDetectionImage(frame []byte, d detector.Detection, class *store.Class, now time.Time) (string, error) {
	annotated, err := annotateFrame(frame, []detector.Box{d.Box})
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.cfg.DetectionsDir, fmt.Sprintf("%d", s.profileID), string(s.camera))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create detections directory: %w", err)
	}

	filename := fmt.Sprintf("%s_class_id_%d_%s_conf_%.2f.jpg",
		now.Format("20060102_150405.000000"), class.ID, class.Name, d.Confidence)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, annotated, 0644); err != nil {
		return "", fmt.Errorf("failed to write detection image: %w", err)
	}
	return path, nil
}

// handleDisconnected runs the disconnection cascade: realtime event, push
// notification, then the manager callback that tears the session down.
func (s *session) handleDisconnected(ctx context.Context) {
	s.hub.SendPersonal(s.userID, realtime.NewDisconnectEvent(s.profileID, s.camera, time.Now()))
	s.pushToUser(notify.Notification{
		Title: "Camera Disconnected",
		Body:  fmt.Sprintf("%s for profile %d has been disconnected", s.camera, s.profileID),
		Kind:  notify.KindCameraDisconnect,
	})

	if s.onDisconnect != nil {
		go s.onDisconnect(s.profileID, s.camera)
	}
}

// pushToUser sends a push notification to all of the user's registered
// tokens without blocking the detection loop.
func (s *session) pushToUser(n notify.Notification) {
	userID := s.userID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tokens, err := s.store.PushTokensForUser(ctx, userID)
		if err != nil {
			s.logger.Warn("Failed to load push tokens", "error", err)
			return
		}
		if len(tokens) == 0 {
			return
		}
		if err := s.notifier.Send(ctx, tokens, n); err != nil {
			s.logger.Warn("Failed to send push notifications", "error", err)
		}
	}()
}
