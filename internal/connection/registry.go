package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/store"
)

var (
	// ErrAlreadyWaiting is returned when a wait is registered for a slot that
	// already has one pending. A second wait is rejected rather than replacing
	// the first, so an in-flight WaitForCamera cannot lose its entry.
	ErrAlreadyWaiting = errors.New("slot is already waiting for a camera")

	// ErrNoMatch is returned by RegisterCameraIP when no slot is waiting.
	ErrNoMatch = errors.New("no waiting slot to match camera")

	// ErrWaitTimeout is returned when no camera checked in before the deadline.
	ErrWaitTimeout = errors.New("timed out waiting for camera")
)

// SlotKey identifies one (profile, camera type) pair.
type SlotKey struct {
	ProfileID int64
	Camera    store.CameraType
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%d:%s", k.ProfileID, k.Camera)
}

// SlotStore is the persistence surface the registry needs.
type SlotStore interface {
	SetSlotConnection(ctx context.Context, profileID int64, camera store.CameraType, ip string, connected bool) error
	ClearSlot(ctx context.Context, profileID int64, camera store.CameraType) error
	ResetAllSlotsForUser(ctx context.Context, userID int64) (int64, error)
}

// Prober checks that a camera at the given IP is reachable.
type Prober interface {
	Probe(ctx context.Context, ip string) bool
}

// Registry matches inbound camera check-ins to outstanding waits and persists
// the resulting connection state. The waiting map is shared between the
// polling goroutine and the inbound-IP handler, so every access goes through
// the registry's mutex.
type Registry struct {
	slots  SlotStore
	prober Prober
	logger *logger.Logger

	pollInterval time.Duration

	mu      sync.Mutex
	waiting map[SlotKey]string // empty string until a camera reports in
	order   []SlotKey          // FIFO assignment order
}

// RegistryConfig contains registry tuning knobs.
type RegistryConfig struct {
	PollInterval time.Duration // how often WaitForCamera re-checks, default 1s
	ProbeTimeout time.Duration // liveness probe timeout, default 2s
}

// NewRegistry creates a camera connection registry.
func NewRegistry(slots SlotStore, cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Registry{
		slots:        slots,
		prober:       &httpProber{timeout: cfg.ProbeTimeout},
		logger:       log,
		pollInterval: cfg.PollInterval,
		waiting:      make(map[SlotKey]string),
	}
}

// SetProber overrides the liveness prober. Used by tests.
func (r *Registry) SetProber(p Prober) {
	r.prober = p
}

// RegisterWaiting records intent to wait for a camera on the given slot.
func (r *Registry) RegisterWaiting(profileID int64, camera store.CameraType) error {
	key := SlotKey{ProfileID: profileID, Camera: camera}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiting[key]; exists {
		return ErrAlreadyWaiting
	}
	r.waiting[key] = ""
	r.order = append(r.order, key)

	r.logger.Info("Waiting for camera", "profile_id", profileID, "camera_type", camera)
	return nil
}

// RegisterCameraIP handles an inbound camera check-in. The IP is assigned to
// the oldest waiting slot that has no IP yet; the registry cannot tell which
// physical camera is calling, so first match wins.
func (r *Registry) RegisterCameraIP(ip string) (SlotKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.order {
		assigned, exists := r.waiting[key]
		if exists && assigned == "" {
			r.waiting[key] = ip
			r.logger.Info("Camera reported in", "ip", ip, "profile_id", key.ProfileID, "camera_type", key.Camera)
			return key, nil
		}
	}

	r.logger.Warn("Camera reported in with no waiting slot", "ip", ip)
	return SlotKey{}, ErrNoMatch
}

// WaitForCamera registers a wait and polls until a camera checks in and
// answers a liveness probe, then persists the connection and returns the
// camera's stream URL. On timeout the waiting entry is cleared and persisted
// state stays untouched.
func (r *Registry) WaitForCamera(ctx context.Context, profileID int64, camera store.CameraType, timeout time.Duration) (string, error) {
	if err := r.RegisterWaiting(profileID, camera); err != nil {
		return "", err
	}
	key := SlotKey{ProfileID: profileID, Camera: camera}
	defer r.clearWaiting(key)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ip := r.assignedIP(key)
		if ip != "" {
			if r.prober.Probe(ctx, ip) {
				if err := r.slots.SetSlotConnection(ctx, profileID, camera, ip, true); err != nil {
					return "", fmt.Errorf("failed to persist camera connection: %w", err)
				}
				r.logger.Info("Camera connected", "profile_id", profileID, "camera_type", camera, "ip", ip)
				return fmt.Sprintf("http://%s/stream", ip), nil
			}
			r.logger.Warn("Camera not responding to liveness probe", "ip", ip)
		}

		if time.Now().After(deadline) {
			return "", ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect clears a slot's persisted connection state, independent of any
// pending wait.
func (r *Registry) Disconnect(ctx context.Context, profileID int64, camera store.CameraType) error {
	if err := r.slots.ClearSlot(ctx, profileID, camera); err != nil {
		return err
	}
	r.logger.Info("Camera disconnected", "profile_id", profileID, "camera_type", camera)
	return nil
}

// ResetAllForUser disconnects every camera of every profile owned by the user.
func (r *Registry) ResetAllForUser(ctx context.Context, userID int64) (int64, error) {
	n, err := r.slots.ResetAllSlotsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Reset all cameras for user", "user_id", userID, "profiles", n)
	return n, nil
}

// WaitingCount reports how many slots are currently waiting.
func (r *Registry) WaitingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

func (r *Registry) assignedIP(key SlotKey) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting[key]
}

func (r *Registry) clearWaiting(key SlotKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiting, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// httpProber checks liveness with a plain HTTP GET against the camera root.
type httpProber struct {
	timeout time.Duration
}

func (p *httpProber) Probe(ctx context.Context, ip string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, fmt.Sprintf("http://%s/", ip), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
