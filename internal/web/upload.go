package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

// modelUpdatePayload is the JSON diff carried in the "request" form field of
// a model-update call. File entries name uploaded form files by filename.
type modelUpdatePayload struct {
	ProfileID  int64            `json:"baby_profile_id"`
	CameraType store.CameraType `json:"camera_type"`
	NewClasses []struct {
		Name      string          `json:"name"`
		RiskLevel store.RiskLevel `json:"risk_level"`
		Images    []string        `json:"images"`
		Labels    []string        `json:"labels"`
	} `json:"new_classes"`
	UpdatedClasses []struct {
		Name      string          `json:"name"`
		RiskLevel store.RiskLevel `json:"risk_level"`
		Images    []string        `json:"images"`
		Labels    []string        `json:"labels"`
	} `json:"updated_classes"`
	DeletedClasses []string `json:"deleted_classes"`
}

// parseModelUpdate reads the multipart request, stages every uploaded file
// and resolves the payload's filename references to staged paths. The
// returned cleanup removes the staging directory; the orchestrator moves the
// files it needs out before then, whatever remains is scratch.
func (s *Server) parseModelUpdate(c *gin.Context) (*training.UpdateRequest, func(), bool) {
	payloadField := c.PostForm("request")
	if payloadField == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing request field"})
		return nil, nil, false
	}

	var payload modelUpdatePayload
	if err := json.Unmarshal([]byte(payloadField), &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request field: %v", err)})
		return nil, nil, false
	}
	if payload.ProfileID < 1 || !payload.CameraType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid profile id or camera type"})
		return nil, nil, false
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}

	stagingDir := filepath.Join(s.config.StagingDir, uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	cleanup := func() { os.RemoveAll(stagingDir) }

	staged := make(map[string]string)
	for _, file := range form.File["files"] {
		name := filepath.Base(file.Filename)
		dst := filepath.Join(stagingDir, name)
		if err := c.SaveUploadedFile(file, dst); err != nil {
			cleanup()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return nil, nil, false
		}
		staged[name] = dst
	}

	resolve := func(names []string) ([]string, error) {
		paths := make([]string, 0, len(names))
		for _, name := range names {
			path, ok := staged[filepath.Base(name)]
			if !ok {
				return nil, fmt.Errorf("file %q named in request but not uploaded", name)
			}
			paths = append(paths, path)
		}
		return paths, nil
	}

	req := &training.UpdateRequest{
		ProfileID:      payload.ProfileID,
		Camera:         payload.CameraType,
		DeletedClasses: payload.DeletedClasses,
	}
	fail := func(err error) (*training.UpdateRequest, func(), bool) {
		cleanup()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	for _, item := range payload.NewClasses {
		images, err := resolve(item.Images)
		if err != nil {
			return fail(err)
		}
		labels, err := resolve(item.Labels)
		if err != nil {
			return fail(err)
		}
		req.NewClasses = append(req.NewClasses, training.NewClassData{
			Name:      item.Name,
			RiskLevel: item.RiskLevel,
			Files:     training.ClassFiles{Images: images, Labels: labels},
		})
	}
	for _, item := range payload.UpdatedClasses {
		images, err := resolve(item.Images)
		if err != nil {
			return fail(err)
		}
		labels, err := resolve(item.Labels)
		if err != nil {
			return fail(err)
		}
		req.UpdatedClasses = append(req.UpdatedClasses, training.UpdatedClassData{
			Name:      item.Name,
			RiskLevel: item.RiskLevel,
			Files:     training.ClassFiles{Images: images, Labels: labels},
		})
	}
	return req, cleanup, true
}
