package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/store"
)

// ErrNotOwner is returned when the profile belongs to a different user.
var ErrNotOwner = errors.New("profile does not belong to user")

// ArtifactStore is remote storage for packaged datasets and trained models.
// Stat returns ErrArtifactNotFound when the object does not exist.
type ArtifactStore interface {
	Upload(ctx context.Context, object, localPath string) error
	Stat(ctx context.Context, object string) (time.Time, error)
	Download(ctx context.Context, object, localPath string) error
}

// ErrArtifactNotFound is returned by ArtifactStore.Stat for missing objects.
var ErrArtifactNotFound = errors.New("artifact not found in remote storage")

// OrchestratorConfig contains dataset and split settings.
type OrchestratorConfig struct {
	TrainingDir   string
	ValSplitRatio float64
	SplitSeed     int64
}

// Orchestrator applies model-update requests: it reshapes the dataset tree,
// keeps the class table consistent, decides the training strategy and kicks
// off remote training when one is needed.
type Orchestrator struct {
	store     *store.Store
	artifacts ArtifactStore
	trigger   Trigger
	jobs      *Jobs
	cfg       OrchestratorConfig
	logger    *logger.Logger
}

// NewOrchestrator creates a training orchestrator.
func NewOrchestrator(
	st *store.Store,
	artifacts ArtifactStore,
	trigger Trigger,
	jobs *Jobs,
	cfg OrchestratorConfig,
	log *logger.Logger,
) *Orchestrator {
	if cfg.ValSplitRatio <= 0 || cfg.ValSplitRatio >= 1 {
		cfg.ValSplitRatio = 0.2
	}
	return &Orchestrator{
		store:     st,
		artifacts: artifacts,
		trigger:   trigger,
		jobs:      jobs,
		cfg:       cfg,
		logger:    log,
	}
}

// UpdateResult reports what the orchestrator did for one request.
type UpdateResult struct {
	Strategy Strategy

	// TriggerErr holds a remote-trigger failure. The dataset work already
	// succeeded at that point, so the error is reported rather than
	// failing the whole request.
	TriggerErr error
}

// ProcessUpdate applies a model-update request for a slot. Steps run in a
// fixed order: deletions first, then additions, then updates, then manifest
// regeneration and label remapping when the class set changed, then a fresh
// train/val split. If training is needed the dataset is packaged, shipped
// and the remote run is triggered.
func (o *Orchestrator) ProcessUpdate(ctx context.Context, userID int64, req UpdateRequest) (*UpdateResult, error) {
	profile, err := o.store.GetProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	if profile.UserID != userID {
		return nil, ErrNotOwner
	}
	if !req.Camera.Valid() {
		return nil, fmt.Errorf("invalid camera type %q", req.Camera)
	}

	modelDir := ModelDir(o.cfg.TrainingDir, req.ProfileID, req.Camera)
	log := o.logger.With("profile_id", req.ProfileID, "camera_type", req.Camera)

	if len(req.DeletedClasses) > 0 {
		for _, name := range req.DeletedClasses {
			if err := deleteClassData(modelDir, name); err != nil {
				return nil, fmt.Errorf("failed to delete class data: %w", err)
			}
		}
		imagePaths, err := o.store.DeleteClasses(ctx, req.ProfileID, req.Camera, req.DeletedClasses)
		if err != nil {
			return nil, err
		}
		for _, p := range imagePaths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove detection image", "path", p, "error", err)
			}
		}
		log.Info("Classes deleted", "count", len(req.DeletedClasses))
	}

	if len(req.NewClasses) > 0 {
		rows := make([]store.NewClass, 0, len(req.NewClasses))
		for _, item := range req.NewClasses {
			if err := addClassData(modelDir, req.ProfileID, req.Camera, item); err != nil {
				return nil, fmt.Errorf("failed to add class data: %w", err)
			}
			rows = append(rows, store.NewClass{Name: item.Name, RiskLevel: item.RiskLevel})
		}
		if err := o.store.InsertClasses(ctx, req.ProfileID, req.Camera, rows); err != nil {
			return nil, err
		}
		log.Info("Classes added", "count", len(req.NewClasses))
	}

	for _, item := range req.UpdatedClasses {
		if err := appendClassData(modelDir, req.ProfileID, req.Camera, item); err != nil {
			return nil, fmt.Errorf("failed to append class data: %w", err)
		}
		if err := o.store.UpdateClassRisk(ctx, req.ProfileID, req.Camera, item.Name, item.RiskLevel); err != nil {
			return nil, err
		}
	}

	if len(req.DeletedClasses) > 0 || len(req.NewClasses) > 0 {
		classes, err := o.store.ListClasses(ctx, req.ProfileID, req.Camera)
		if err != nil {
			return nil, err
		}

		if len(classes) == 0 {
			// All classes gone: there is nothing left to train and the
			// installed model no longer matches any class, so purge it.
			if err := os.RemoveAll(modelDir); err != nil {
				return nil, fmt.Errorf("failed to purge model folder: %w", err)
			}
			if err := o.store.ClearModelUpdatedAt(ctx, req.ProfileID, req.Camera); err != nil {
				return nil, err
			}
			log.Info("Class set emptied, model purged")
			return &UpdateResult{Strategy: StrategyNone}, nil
		}

		mapping, err := writeManifest(modelDir, classes)
		if err != nil {
			return nil, err
		}
		if err := remapLabels(modelDir, mapping); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(o.splitSeed()))
	if err := rebuildSplit(modelDir, o.cfg.ValSplitRatio, rng); err != nil {
		return nil, fmt.Errorf("failed to rebuild train/val split: %w", err)
	}

	result := &UpdateResult{Strategy: DecideStrategy(req)}
	if result.Strategy == StrategyNone {
		return result, nil
	}

	if err := o.shipDataset(ctx, req.ProfileID, req.Camera, modelDir); err != nil {
		return nil, err
	}

	if err := o.trigger.TriggerTraining(ctx, req.ProfileID, req.Camera, result.Strategy == StrategyFinetune); err != nil {
		log.Warn("Remote training trigger failed", "error", err)
		result.TriggerErr = err
		return result, nil
	}

	job := o.jobs.Register(userID, req.ProfileID, req.Camera)
	log.Info("Training job registered", "job_id", job.ID, "strategy", result.Strategy)
	return result, nil
}

func (o *Orchestrator) splitSeed() int64 {
	if o.cfg.SplitSeed != 0 {
		return o.cfg.SplitSeed
	}
	return time.Now().UnixNano()
}

// shipDataset packages the slot's dataset and uploads it, removing the local
// archive afterwards.
func (o *Orchestrator) shipDataset(ctx context.Context, profileID int64, camera store.CameraType, modelDir string) error {
	zipPath := modelDir + ".zip"
	if err := zipDataset(modelDir, zipPath); err != nil {
		return err
	}
	defer os.Remove(zipPath)

	if err := o.artifacts.Upload(ctx, DatasetObject(profileID, camera), zipPath); err != nil {
		return fmt.Errorf("failed to upload dataset: %w", err)
	}
	return nil
}
