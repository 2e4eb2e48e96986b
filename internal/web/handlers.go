package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/orenshk/babyguard/internal/connection"
	"github.com/orenshk/babyguard/internal/monitor"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "babyguard",
	})
}

type reportIPRequest struct {
	IP string `json:"ip"`
}

// handleReportIP is the camera check-in endpoint. The device posts its
// address; if no slot is waiting the check-in is acknowledged and dropped.
func (s *Server) handleReportIP(c *gin.Context) {
	var req reportIPRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		// Fall back to the peer address for firmware that posts an
		// empty body.
		req.IP = c.ClientIP()
	}

	key, err := s.connections.RegisterCameraIP(req.IP)
	if errors.Is(err, connection.ErrNoMatch) {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matched":         true,
		"baby_profile_id": key.ProfileID,
		"camera_type":     key.Camera,
	})
}

type slotRequest struct {
	ProfileID  int64            `json:"baby_profile_id" binding:"required"`
	CameraType store.CameraType `json:"camera_type" binding:"required"`
}

// bindSlot parses a slot request and verifies the profile belongs to the
// caller.
func (s *Server) bindSlot(c *gin.Context) (*slotRequest, bool) {
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if !req.CameraType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid camera type"})
		return nil, false
	}
	if !s.authorizeProfile(c, req.ProfileID) {
		return nil, false
	}
	return &req, true
}

func (s *Server) authorizeProfile(c *gin.Context, profileID int64) bool {
	profile, err := s.store.GetProfile(c.Request.Context(), profileID)
	if errors.Is(err, store.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
		return false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if profile.UserID != userID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Profile does not belong to user"})
		return false
	}
	return true
}

// handleWaitForCamera registers a waiting slot and blocks until a camera
// checks in and passes the liveness probe, or the wait times out.
func (s *Server) handleWaitForCamera(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}

	streamURL, err := s.connections.WaitForCamera(c.Request.Context(), req.ProfileID, req.CameraType, s.config.WaitTimeout)
	switch {
	case errors.Is(err, connection.ErrAlreadyWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": "A wait is already in progress for this camera"})
	case errors.Is(err, connection.ErrWaitTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "No camera connected before the timeout"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"connected":  true,
			"stream_url": streamURL,
		})
	}
}

func (s *Server) handleDisconnectCamera(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}

	// A live session for the slot goes down with the connection.
	if err := s.monitor.Stop(c.Request.Context(), req.ProfileID, req.CameraType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.connections.Disconnect(c.Request.Context(), req.ProfileID, req.CameraType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}

func (s *Server) handleResetCameras(c *gin.Context) {
	profiles, err := s.store.ProfilesForUser(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, p := range profiles {
		if err := s.monitor.StopAllForProfile(c.Request.Context(), p.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	cleared, err := s.connections.ResetAllForUser(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "slots_cleared": cleared})
}

type streamResponse struct {
	ProfileID  int64            `json:"baby_profile_id"`
	CameraType store.CameraType `json:"camera_type"`
	StreamURL  string           `json:"stream_url"`
}

func (s *Server) handleListStreams(c *gin.Context) {
	profiles, err := s.store.ProfilesForUser(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	streams := make([]streamResponse, 0)
	for _, p := range profiles {
		for _, slot := range []struct {
			camera store.CameraType
			ip     string
		}{
			{store.HeadCamera, p.Head.IP},
			{store.StaticCamera, p.Static.IP},
		} {
			if slot.ip == "" {
				continue
			}
			streams = append(streams, streamResponse{
				ProfileID:  p.ID,
				CameraType: slot.camera,
				StreamURL:  fmt.Sprintf("http://%s/stream", slot.ip),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (s *Server) handleStartMonitoring(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}

	err := s.monitor.Start(c.Request.Context(), userID(c), req.ProfileID, req.CameraType)
	switch {
	case errors.Is(err, monitor.ErrNoIP):
		c.JSON(http.StatusConflict, gin.H{
			"error":           "No IP found for this camera",
			"baby_profile_id": req.ProfileID,
			"camera_type":     req.CameraType,
		})
	case errors.Is(err, monitor.ErrNoModel):
		c.JSON(http.StatusConflict, gin.H{
			"error":           "No trained model for this camera",
			"baby_profile_id": req.ProfileID,
			"camera_type":     req.CameraType,
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"monitoring": true})
	}
}

func (s *Server) handleStopMonitoring(c *gin.Context) {
	req, ok := s.bindSlot(c)
	if !ok {
		return
	}
	if err := s.monitor.Stop(c.Request.Context(), req.ProfileID, req.CameraType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitoring": false})
}

type detectionResponse struct {
	ID         int64            `json:"id"`
	ProfileID  int64            `json:"baby_profile_id"`
	ClassID    int64            `json:"class_id"`
	ClassName  string           `json:"class_name"`
	Confidence float64          `json:"confidence"`
	CameraType store.CameraType `json:"camera_type"`
	Timestamp  string           `json:"timestamp"`
}

func (s *Server) handleListDetections(c *gin.Context) {
	profileID, ok := s.profileParam(c)
	if !ok {
		return
	}

	detections, err := s.store.ListDetections(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"detections": lo.Map(detections, func(d store.Detection, _ int) detectionResponse {
			return detectionResponse{
				ID:         d.ID,
				ProfileID:  d.ProfileID,
				ClassID:    d.ClassID,
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				CameraType: d.Camera,
				Timestamp:  d.Timestamp.UTC().Format(time.RFC3339),
			}
		}),
		"count": len(detections),
	})
}

func (s *Server) handleDetectionImage(c *gin.Context) {
	profileID, ok := s.profileParam(c)
	if !ok {
		return
	}
	detection, ok := s.detectionParam(c, profileID)
	if !ok {
		return
	}
	if detection.ImagePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No image stored for this detection"})
		return
	}
	c.File(detection.ImagePath)
}

func (s *Server) handleDeleteDetection(c *gin.Context) {
	profileID, ok := s.profileParam(c)
	if !ok {
		return
	}
	detection, ok := s.detectionParam(c, profileID)
	if !ok {
		return
	}

	if err := s.store.DeleteDetection(c.Request.Context(), detection.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if detection.ImagePath != "" {
		if err := os.Remove(detection.ImagePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove detection image", "path", detection.ImagePath, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleDeleteProfileDetections(c *gin.Context) {
	profileID, ok := s.profileParam(c)
	if !ok {
		return
	}

	imagePaths, err := s.store.DeleteDetectionsForProfile(c.Request.Context(), profileID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, path := range imagePaths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove detection image", "path", path, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(imagePaths)})
}

func (s *Server) profileParam(c *gin.Context) (int64, bool) {
	profileID, err := strconv.ParseInt(c.Param("profile_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile id"})
		return 0, false
	}
	if !s.authorizeProfile(c, profileID) {
		return 0, false
	}
	return profileID, true
}

// detectionParam loads the detection from the :id parameter and verifies it
// belongs to the already-authorized profile.
func (s *Server) detectionParam(c *gin.Context, profileID int64) (*store.Detection, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid detection id"})
		return nil, false
	}
	detection, err := s.store.GetDetection(c.Request.Context(), id)
	if errors.Is(err, store.ErrDetectionNotFound) || (err == nil && detection.ProfileID != profileID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Detection not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return detection, true
}

type pushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleRegisterPushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.AddPushToken(c.Request.Context(), userID(c), req.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) handleRemovePushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.RemovePushToken(c.Request.Context(), userID(c), req.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// handleModelUpdate applies a class/dataset update. The request is multipart:
// a "request" field carrying the JSON diff, plus one form file per image and
// label named in the diff.
func (s *Server) handleModelUpdate(c *gin.Context) {
	update, cleanup, ok := s.parseModelUpdate(c)
	if !ok {
		return
	}
	defer cleanup()
	if !s.authorizeProfile(c, update.ProfileID) {
		return
	}

	// The wait endpoint can hold its request context for a minute; dataset
	// work gets its own deadline instead of inheriting a nearly-spent one.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.orchestrator.ProcessUpdate(ctx, userID(c), *update)
	if errors.Is(err, training.ErrNotOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Profile does not belong to user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"message":           "Model update completed.",
		"training_strategy": result.Strategy,
	}
	if result.TriggerErr != nil {
		resp["training_error"] = result.TriggerErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}
