package monitor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orenshk/babyguard/internal/detector"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

// fakeBuffer serves frames from a fixed queue and then reports no frame
// available forever.
type fakeBuffer struct {
	mu       sync.Mutex
	frames   [][]byte
	started  int
	stopped  int
	restarts int
}

func (b *fakeBuffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
}

func (b *fakeBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
}

func (b *fakeBuffer) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restarts++
}

func (b *fakeBuffer) LatestFrame() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, true
}

func (b *fakeBuffer) restartCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restarts
}

// fakeDetector returns the same detections for every frame.
type fakeDetector struct {
	detections []detector.Detection
}

func (d *fakeDetector) Detect(_ context.Context, _ string, _ []byte) ([]detector.Detection, error) {
	return d.detections, nil
}

// fakeNotifier records every notification sent.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *fakeNotifier) Send(_ context.Context, _ []string, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) notifications() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// fakeDisconnecter records slots it was asked to clear.
type fakeDisconnecter struct {
	mu      sync.Mutex
	cleared []string
}

func (d *fakeDisconnecter) Disconnect(_ context.Context, profileID int64, camera store.CameraType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, strconv.FormatInt(profileID, 10)+"/"+string(camera))
	return nil
}

func (d *fakeDisconnecter) clearedSlots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.cleared))
	copy(out, d.cleared)
	return out
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode test frame: %v", err)
	}
	return buf.Bytes()
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type sessionEnv struct {
	store    *store.Store
	hub      *realtime.Hub
	notifier *fakeNotifier
	buffer   *fakeBuffer
	session  *session
}

func newSessionEnv(t *testing.T, profileID int64, buffer *fakeBuffer, det detector.Detector, cfg SessionConfig, onDisconnect func(int64, store.CameraType)) *sessionEnv {
	t.Helper()
	log := logger.NewNop()
	st := setupTestStore(t)
	notifier := &fakeNotifier{}
	env := &sessionEnv{
		store:    st,
		hub:      realtime.NewHub(log),
		notifier: notifier,
		buffer:   buffer,
	}
	env.session = newSession(profileID, 1, store.HeadCamera, "model.pt",
		buffer, det, st, env.hub, notifier, cfg, onDisconnect, log)
	return env
}

func defaultSessionConfig(t *testing.T) SessionConfig {
	return SessionConfig{
		MaxReadFails:    10,
		MaxRestarts:     3,
		ConfidenceFloor: 0.1,
		Cooldown:        5 * time.Second,
		CycleDelay:      time.Millisecond,
		DetectionsDir:   t.TempDir(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestSessionDeduplicatesWithinCooldown(t *testing.T) {
	frame := testJPEG(t)
	buffer := &fakeBuffer{frames: [][]byte{frame, frame, frame, frame}}
	det := &fakeDetector{detections: []detector.Detection{
		{ClassIndex: 0, Confidence: 0.9, Box: detector.Box{X1: 1, Y1: 1, X2: 20, Y2: 20}},
	}}

	env := newSessionEnv(t, 0, buffer, det, defaultSessionConfig(t), nil)
	profileID := createSlotWithClass(t, env.store, "knife")
	env.session.profileID = profileID

	env.session.start()
	defer env.session.stop()

	waitFor(t, func() bool {
		events, err := env.store.ListDetections(context.Background(), profileID)
		require.NoError(t, err)
		return len(events) >= 1
	}, "first detection")

	// Let the remaining frames go through the loop; they fall inside the
	// cooldown window and must not produce further events.
	time.Sleep(100 * time.Millisecond)

	events, err := env.store.ListDetections(context.Background(), profileID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "knife", events[0].ClassName)
	assert.FileExists(t, events[0].ImagePath)
}

func TestSessionIgnoresLowConfidence(t *testing.T) {
	frame := testJPEG(t)
	buffer := &fakeBuffer{frames: [][]byte{frame, frame}}
	det := &fakeDetector{detections: []detector.Detection{
		{ClassIndex: 0, Confidence: 0.05},
	}}

	env := newSessionEnv(t, 0, buffer, det, defaultSessionConfig(t), nil)
	profileID := createSlotWithClass(t, env.store, "knife")
	env.session.profileID = profileID

	env.session.start()
	time.Sleep(100 * time.Millisecond)
	env.session.stop()

	events, err := env.store.ListDetections(context.Background(), profileID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSessionAlertsAgainAfterCooldown(t *testing.T) {
	frame := testJPEG(t)
	frames := make([][]byte, 40)
	for i := range frames {
		frames[i] = frame
	}
	buffer := &fakeBuffer{frames: frames}
	det := &fakeDetector{detections: []detector.Detection{
		{ClassIndex: 0, Confidence: 0.9},
	}}

	cfg := defaultSessionConfig(t)
	cfg.Cooldown = 20 * time.Millisecond

	env := newSessionEnv(t, 0, buffer, det, cfg, nil)
	profileID := createSlotWithClass(t, env.store, "knife")
	env.session.profileID = profileID

	env.session.start()
	waitFor(t, func() bool {
		events, err := env.store.ListDetections(context.Background(), profileID)
		require.NoError(t, err)
		return len(events) >= 2
	}, "second detection after cooldown")
	env.session.stop()
}

func TestSessionDisconnectCascade(t *testing.T) {
	buffer := &fakeBuffer{} // never yields a frame
	det := &fakeDetector{}

	cfg := defaultSessionConfig(t)
	cfg.MaxReadFails = 2
	cfg.MaxRestarts = 1

	disconnected := make(chan store.CameraType, 1)
	env := newSessionEnv(t, 1, buffer, det, cfg, func(_ int64, camera store.CameraType) {
		disconnected <- camera
	})
	require.NoError(t, env.store.AddPushToken(context.Background(), 1, "device-token"))

	env.session.start()

	select {
	case camera := <-disconnected:
		assert.Equal(t, store.HeadCamera, camera)
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for disconnect cascade")
	}

	// One restart was attempted before giving up.
	assert.Equal(t, 1, buffer.restartCount())

	waitFor(t, func() bool {
		for _, n := range env.notifier.notifications() {
			if n.Kind == notify.KindCameraDisconnect {
				return true
			}
		}
		return false
	}, "disconnect push notification")
}

func TestSessionStopBeforeStartStaysStopped(t *testing.T) {
	frame := testJPEG(t)
	buffer := &fakeBuffer{frames: [][]byte{frame, frame}}
	det := &fakeDetector{detections: []detector.Detection{
		{ClassIndex: 0, Confidence: 0.9},
	}}

	env := newSessionEnv(t, 1, buffer, det, defaultSessionConfig(t), nil)

	// A stop that wins the race against start must leave the session dead:
	// a later start may not launch the loop or the buffer.
	env.session.stop()
	assert.False(t, env.session.start())

	time.Sleep(50 * time.Millisecond)

	buffer.mu.Lock()
	started := buffer.started
	remaining := len(buffer.frames)
	buffer.mu.Unlock()
	assert.Equal(t, 0, started)
	assert.Equal(t, 2, remaining)
}

// recordingBufferFactory hands out a fresh buffer per session and remembers
// them all.
type recordingBufferFactory struct {
	mu      sync.Mutex
	buffers []*fakeBuffer
}

func (f *recordingBufferFactory) new(string) FrameBuffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBuffer{}
	f.buffers = append(f.buffers, b)
	return b
}

func (f *recordingBufferFactory) leaked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.buffers {
		b.mu.Lock()
		running := b.started > 0 && b.stopped == 0
		b.mu.Unlock()
		if running {
			return true
		}
	}
	return false
}

func TestManagerStartStopRace(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	trainingDir := t.TempDir()
	profileID := createSlotWithClass(t, st, "knife")
	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.9", true))
	writeTestModel(t, trainingDir, profileID, store.HeadCamera)

	log := logger.NewNop()
	factory := &recordingBufferFactory{}
	m := NewManager(st, &fakeDetector{}, realtime.NewHub(log), &fakeNotifier{},
		&fakeDisconnecter{}, factory.new, trainingDir, defaultSessionConfig(t), log)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Start(ctx, 1, profileID, store.HeadCamera)
		}()
		go func() {
			defer wg.Done()
			_ = m.Stop(ctx, profileID, store.HeadCamera)
		}()
	}
	wg.Wait()
	require.NoError(t, m.Stop(ctx, profileID, store.HeadCamera))

	assert.False(t, m.Running(profileID, store.HeadCamera))
	waitFor(t, func() bool { return !factory.leaked() }, "every started buffer to stop")

	slot, err := st.GetSlot(ctx, profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.False(t, slot.InDetection)
}

// createSlotWithClass inserts a profile owned by user 1 with a single class
// at model index 0 and a registered push token.
func createSlotWithClass(t *testing.T, st *store.Store, className string) int64 {
	t.Helper()
	ctx := context.Background()
	profileID, err := st.CreateProfile(ctx, 1, "test baby")
	require.NoError(t, err)
	require.NoError(t, st.InsertClasses(ctx, profileID, store.HeadCamera, []store.NewClass{
		{Name: className, RiskLevel: store.RiskHigh},
	}))
	require.NoError(t, st.AddPushToken(ctx, 1, "device-token"))
	return profileID
}

func newTestManager(t *testing.T, st *store.Store, buffer *fakeBuffer, trainingDir string) (*Manager, *fakeDisconnecter, *fakeNotifier) {
	t.Helper()
	log := logger.NewNop()
	disc := &fakeDisconnecter{}
	notifier := &fakeNotifier{}
	m := NewManager(st, &fakeDetector{}, realtime.NewHub(log), notifier, disc,
		func(string) FrameBuffer { return buffer }, trainingDir, defaultSessionConfig(t), log)
	return m, disc, notifier
}

func writeTestModel(t *testing.T, trainingDir string, profileID int64, camera store.CameraType) {
	t.Helper()
	path := training.ModelPath(trainingDir, profileID, camera)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("model"), 0644))
}

func TestManagerStartValidations(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	trainingDir := t.TempDir()
	profileID := createSlotWithClass(t, st, "knife")

	m, _, _ := newTestManager(t, st, &fakeBuffer{}, trainingDir)

	err := m.Start(ctx, 2, profileID, store.HeadCamera)
	assert.ErrorIs(t, err, ErrNotOwner)

	err = m.Start(ctx, 1, profileID, store.HeadCamera)
	assert.ErrorIs(t, err, ErrNoIP)

	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.9", true))
	err = m.Start(ctx, 1, profileID, store.HeadCamera)
	assert.ErrorIs(t, err, ErrNoModel)

	writeTestModel(t, trainingDir, profileID, store.HeadCamera)
	require.NoError(t, m.Start(ctx, 1, profileID, store.HeadCamera))
	defer m.Stop(ctx, profileID, store.HeadCamera)

	assert.True(t, m.Running(profileID, store.HeadCamera))

	slot, err := st.GetSlot(ctx, profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.True(t, slot.InDetection)

	// Starting a running slot again is a no-op.
	require.NoError(t, m.Start(ctx, 1, profileID, store.HeadCamera))
}

func TestManagerStopClearsState(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	trainingDir := t.TempDir()
	profileID := createSlotWithClass(t, st, "knife")
	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.9", true))
	writeTestModel(t, trainingDir, profileID, store.HeadCamera)

	buffer := &fakeBuffer{}
	m, _, _ := newTestManager(t, st, buffer, trainingDir)
	require.NoError(t, m.Start(ctx, 1, profileID, store.HeadCamera))

	require.NoError(t, m.Stop(ctx, profileID, store.HeadCamera))
	assert.False(t, m.Running(profileID, store.HeadCamera))

	buffer.mu.Lock()
	stopped := buffer.stopped
	buffer.mu.Unlock()
	assert.Equal(t, 1, stopped)

	slot, err := st.GetSlot(ctx, profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.False(t, slot.InDetection)

	// Stopping an idle slot still clears the flag and does not error.
	require.NoError(t, m.Stop(ctx, profileID, store.HeadCamera))
}

// steadyBuffer always has a frame available.
type steadyBuffer struct {
	fakeBuffer
	frame []byte
}

func (b *steadyBuffer) LatestFrame() ([]byte, bool) { return b.frame, true }

func TestManagerDisconnectLeavesSiblingRunning(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	trainingDir := t.TempDir()
	profileID := createSlotWithClass(t, st, "knife")
	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.9", true))
	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.StaticCamera, "10.0.0.10", true))
	writeTestModel(t, trainingDir, profileID, store.HeadCamera)
	writeTestModel(t, trainingDir, profileID, store.StaticCamera)

	headBuffer := &fakeBuffer{} // never yields a frame
	staticBuffer := &steadyBuffer{frame: testJPEG(t)}
	buffers := map[string]FrameBuffer{
		"http://10.0.0.9/stream":  headBuffer,
		"http://10.0.0.10/stream": staticBuffer,
	}

	log := logger.NewNop()
	disc := &fakeDisconnecter{}
	m := NewManager(st, &fakeDetector{}, realtime.NewHub(log), &fakeNotifier{}, disc,
		func(url string) FrameBuffer { return buffers[url] }, trainingDir, defaultSessionConfig(t), log)
	m.sessionCfg.MaxReadFails = 2
	m.sessionCfg.MaxRestarts = 1

	require.NoError(t, m.Start(ctx, 1, profileID, store.HeadCamera))
	require.NoError(t, m.Start(ctx, 1, profileID, store.StaticCamera))

	waitFor(t, func() bool {
		return !m.Running(profileID, store.HeadCamera)
	}, "head session teardown")

	// Only the disconnected slot is torn down; the sibling keeps running.
	assert.True(t, m.Running(profileID, store.StaticCamera))
	waitFor(t, func() bool {
		return len(disc.clearedSlots()) == 1
	}, "head slot cleanup")
	assert.Equal(t, []string{strconv.FormatInt(profileID, 10) + "/head_camera"}, disc.clearedSlots())

	require.NoError(t, m.Stop(ctx, profileID, store.StaticCamera))
}

func TestManagerDisconnectClearsSlot(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	trainingDir := t.TempDir()
	profileID := createSlotWithClass(t, st, "knife")
	require.NoError(t, st.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.9", true))
	writeTestModel(t, trainingDir, profileID, store.HeadCamera)

	buffer := &fakeBuffer{} // never yields a frame
	m, disc, _ := newTestManager(t, st, buffer, trainingDir)
	m.sessionCfg.MaxReadFails = 2
	m.sessionCfg.MaxRestarts = 1

	require.NoError(t, m.Start(ctx, 1, profileID, store.HeadCamera))

	waitFor(t, func() bool {
		return len(disc.clearedSlots()) == 1
	}, "slot cleanup after disconnect")

	assert.Equal(t, []string{strconv.FormatInt(profileID, 10) + "/head_camera"}, disc.clearedSlots())

	waitFor(t, func() bool {
		return !m.Running(profileID, store.HeadCamera)
	}, "session removal")

	slot, err := st.GetSlot(ctx, profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.False(t, slot.InDetection)
}
