package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orenshk/babyguard/internal/connection"
	"github.com/orenshk/babyguard/internal/detector"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/monitor"
	"github.com/orenshk/babyguard/internal/notify"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

type alwaysAliveProber struct{}

func (alwaysAliveProber) Probe(context.Context, string) bool { return true }

type stubDetector struct{}

func (stubDetector) Detect(context.Context, string, []byte) ([]detector.Detection, error) {
	return nil, nil
}

type stubArtifacts struct{}

func (stubArtifacts) Upload(context.Context, string, string) error { return nil }
func (stubArtifacts) Stat(context.Context, string) (time.Time, error) {
	return time.Time{}, training.ErrArtifactNotFound
}
func (stubArtifacts) Download(context.Context, string, string) error { return nil }

type stubTrigger struct{}

func (stubTrigger) TriggerTraining(context.Context, int64, store.CameraType, bool) error {
	return nil
}

type testEnv struct {
	server  *Server
	store   *store.Store
	jobs    *training.Jobs
	buffers *fakeBufferFactory
}

type fakeBuffer struct{}

func (fakeBuffer) Start()                      {}
func (fakeBuffer) Stop()                       {}
func (fakeBuffer) Restart()                    {}
func (fakeBuffer) LatestFrame() ([]byte, bool) { return nil, false }

type fakeBufferFactory struct{ created int }

func (f *fakeBufferFactory) new(string) monitor.FrameBuffer {
	f.created++
	return fakeBuffer{}
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	tmpDir := t.TempDir()

	st, err := store.Open(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := connection.NewRegistry(st, connection.RegistryConfig{
		PollInterval: 5 * time.Millisecond,
	}, log)
	registry.SetProber(alwaysAliveProber{})

	hub := realtime.NewHub(log)
	buffers := &fakeBufferFactory{}
	trainingDir := filepath.Join(tmpDir, "training_data")

	mon := monitor.NewManager(st, stubDetector{}, hub, notify.NewNopNotifier(log), registry,
		buffers.new, trainingDir, monitor.SessionConfig{
			MaxReadFails:    10,
			MaxRestarts:     3,
			ConfidenceFloor: 0.1,
			Cooldown:        5 * time.Second,
			CycleDelay:      time.Millisecond,
			DetectionsDir:   filepath.Join(tmpDir, "detections"),
		}, log)

	jobs := training.NewJobs(24 * time.Hour)
	orchestrator := training.NewOrchestrator(st, stubArtifacts{}, stubTrigger{}, jobs,
		training.OrchestratorConfig{
			TrainingDir:   trainingDir,
			ValSplitRatio: 0.2,
			SplitSeed:     1,
		}, log)

	server := NewServer(Config{
		Host:        "localhost",
		Port:        8080,
		WaitTimeout: 100 * time.Millisecond,
		StagingDir:  filepath.Join(tmpDir, "staging"),
	}, st, registry, mon, orchestrator, hub, log)

	return &testEnv{server: server, store: st, jobs: jobs, buffers: buffers}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, asUser int64) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if asUser > 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(asUser, 10))
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createProfile(t *testing.T, userID int64) int64 {
	t.Helper()
	id, err := e.store.CreateProfile(context.Background(), userID, "test baby")
	require.NoError(t, err)
	return id
}

func TestRequireUser(t *testing.T) {
	env := setupTestServer(t)

	w := env.request(t, http.MethodGet, "/api/health", nil, 0)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodGet, "/api/health", nil, 1)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWaitForCameraTimesOut(t *testing.T) {
	env := setupTestServer(t)
	profileID := env.createProfile(t, 1)

	w := env.request(t, http.MethodPost, "/api/camera/wait", map[string]interface{}{
		"baby_profile_id": profileID,
		"camera_type":     "head_camera",
	}, 1)
	assert.Equal(t, http.StatusRequestTimeout, w.Code)

	// The timed-out wait must not leave persisted connection state behind.
	slot, err := env.store.GetSlot(context.Background(), profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.False(t, slot.Connected)
}

func TestWaitForCameraConnects(t *testing.T) {
	env := setupTestServer(t)
	profileID := env.createProfile(t, 1)

	// The camera checks in shortly after the wait begins.
	go func() {
		time.Sleep(20 * time.Millisecond)
		env.request(t, http.MethodPost, "/api/camera/report_ip", map[string]string{"ip": "10.0.0.5"}, 0)
	}()

	w := env.request(t, http.MethodPost, "/api/camera/wait", map[string]interface{}{
		"baby_profile_id": profileID,
		"camera_type":     "head_camera",
	}, 1)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Connected bool   `json:"connected"`
		StreamURL string `json:"stream_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	assert.Equal(t, "http://10.0.0.5/stream", resp.StreamURL)

	slot, err := env.store.GetSlot(context.Background(), profileID, store.HeadCamera)
	require.NoError(t, err)
	assert.True(t, slot.Connected)
	assert.Equal(t, "10.0.0.5", slot.IP)
}

func TestReportIPWithoutWaiting(t *testing.T) {
	env := setupTestServer(t)

	w := env.request(t, http.MethodPost, "/api/camera/report_ip", map[string]string{"ip": "10.0.0.7"}, 0)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Matched bool `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Matched)
}

func TestStartMonitoringWithoutIP(t *testing.T) {
	env := setupTestServer(t)
	profileID := env.createProfile(t, 1)

	w := env.request(t, http.MethodPost, "/api/monitoring/start", map[string]interface{}{
		"baby_profile_id": profileID,
		"camera_type":     "head_camera",
	}, 1)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "No IP found")
}

func TestForeignProfileRejected(t *testing.T) {
	env := setupTestServer(t)
	profileID := env.createProfile(t, 1)

	w := env.request(t, http.MethodPost, "/api/monitoring/start", map[string]interface{}{
		"baby_profile_id": profileID,
		"camera_type":     "head_camera",
	}, 2)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/detections/%d", profileID), nil, 2)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListStreams(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	profileID := env.createProfile(t, 1)
	otherID := env.createProfile(t, 2)

	require.NoError(t, env.store.SetSlotConnection(ctx, profileID, store.HeadCamera, "10.0.0.5", true))
	require.NoError(t, env.store.SetSlotConnection(ctx, otherID, store.HeadCamera, "10.0.0.9", true))

	w := env.request(t, http.MethodGet, "/api/streams", nil, 1)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Streams []struct {
			ProfileID  int64  `json:"baby_profile_id"`
			CameraType string `json:"camera_type"`
			StreamURL  string `json:"stream_url"`
		} `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Streams, 1)
	assert.Equal(t, profileID, resp.Streams[0].ProfileID)
	assert.Equal(t, "head_camera", resp.Streams[0].CameraType)
	assert.Equal(t, "http://10.0.0.5/stream", resp.Streams[0].StreamURL)
}

func TestPushTokenRoundTrip(t *testing.T) {
	env := setupTestServer(t)

	w := env.request(t, http.MethodPost, "/api/push/token", map[string]string{"token": "device-1"}, 1)
	require.Equal(t, http.StatusOK, w.Code)

	tokens, err := env.store.PushTokensForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-1"}, tokens)

	w = env.request(t, http.MethodDelete, "/api/push/token", map[string]string{"token": "device-1"}, 1)
	require.Equal(t, http.StatusOK, w.Code)

	tokens, err = env.store.PushTokensForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestListAndDeleteDetections(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	profileID := env.createProfile(t, 1)

	require.NoError(t, env.store.InsertClasses(ctx, profileID, store.HeadCamera, []store.NewClass{
		{Name: "knife", RiskLevel: store.RiskHigh},
	}))
	classes, err := env.store.ListClasses(ctx, profileID, store.HeadCamera)
	require.NoError(t, err)

	d := &store.Detection{
		ProfileID:  profileID,
		ClassID:    classes[0].ID,
		ClassName:  "knife",
		Confidence: 0.9,
		Camera:     store.HeadCamera,
		Timestamp:  time.Now().UTC(),
	}
	_, err = env.store.InsertDetection(ctx, d)
	require.NoError(t, err)

	w := env.request(t, http.MethodGet, fmt.Sprintf("/api/detections/%d", profileID), nil, 1)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Count      int `json:"count"`
		Detections []struct {
			ID        int64  `json:"id"`
			ClassName string `json:"class_name"`
		} `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Count)
	assert.Equal(t, "knife", listResp.Detections[0].ClassName)

	w = env.request(t, http.MethodDelete, fmt.Sprintf("/api/detections/%d/%d", profileID, d.ID), nil, 1)
	require.Equal(t, http.StatusOK, w.Code)

	events, err := env.store.ListDetections(ctx, profileID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestModelUpdateMultipart(t *testing.T) {
	env := setupTestServer(t)
	profileID := env.createProfile(t, 1)

	payload := map[string]interface{}{
		"baby_profile_id": profileID,
		"camera_type":     "head_camera",
		"new_classes": []map[string]interface{}{{
			"name":       "knife",
			"risk_level": "high",
			"images":     []string{"k.jpg"},
			"labels":     []string{"k.txt"},
		}},
	}
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("request", string(payloadJSON)))
	img, err := mw.CreateFormFile("files", "k.jpg")
	require.NoError(t, err)
	_, err = img.Write([]byte("jpeg"))
	require.NoError(t, err)
	lbl, err := mw.CreateFormFile("files", "k.txt")
	require.NoError(t, err)
	_, err = lbl.Write([]byte("0 0.5 0.5 0.2 0.2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/model/update", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "1")
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Strategy string `json:"training_strategy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "finetune", resp.Strategy)
	assert.Equal(t, 1, env.jobs.Pending())

	classes, err := env.store.ListClasses(context.Background(), profileID, store.HeadCamera)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, "knife", classes[0].Name)
	assert.Equal(t, 0, classes[0].ModelIndex)
}
