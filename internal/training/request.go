package training

import (
	"github.com/orenshk/babyguard/internal/store"
)

// Strategy is the training decision computed from an update request's diff.
type Strategy string

const (
	// StrategyRetrain trains a model from scratch. Required once classes
	// were removed, since the surviving label indices shifted.
	StrategyRetrain Strategy = "retrain"

	// StrategyFinetune continues training the existing model on new data.
	StrategyFinetune Strategy = "finetune"

	// StrategyNone skips training entirely (pure risk-level edits).
	StrategyNone Strategy = "none"
)

// ClassFiles holds staged upload paths for one class's training material.
// The files live in the upload staging directory until the orchestrator
// moves them into the dataset tree.
type ClassFiles struct {
	Images []string
	Labels []string
}

func (f ClassFiles) empty() bool {
	return len(f.Images) == 0 && len(f.Labels) == 0
}

// NewClassData describes a class to be created with its initial files.
type NewClassData struct {
	Name      string
	RiskLevel store.RiskLevel
	Files     ClassFiles
}

// UpdatedClassData describes changes to an existing class. Files may be
// empty for a pure risk-level edit.
type UpdatedClassData struct {
	Name      string
	RiskLevel store.RiskLevel
	Files     ClassFiles
}

// UpdateRequest is a model-update request for one (profile, camera) slot.
type UpdateRequest struct {
	ProfileID      int64
	Camera         store.CameraType
	NewClasses     []NewClassData
	UpdatedClasses []UpdatedClassData
	DeletedClasses []string
}

// DecideStrategy picks the training strategy from the request diff. Any
// deletion forces a full retrain; new classes or fresh files on updated
// classes allow a finetune; anything else needs no training at all.
func DecideStrategy(req UpdateRequest) Strategy {
	if len(req.DeletedClasses) > 0 {
		return StrategyRetrain
	}
	if len(req.NewClasses) > 0 {
		return StrategyFinetune
	}
	for _, item := range req.UpdatedClasses {
		if !item.Files.empty() {
			return StrategyFinetune
		}
	}
	return StrategyNone
}
