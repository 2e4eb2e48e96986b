package training

import (
	"fmt"
	"path/filepath"

	"github.com/orenshk/babyguard/internal/store"
)

// Local dataset layout per (profile, camera type), consumed by the external
// training job:
//
//	<trainingDir>/<profileID>/<cameraType>/
//	    objects/<className>/images/  raw per-class images
//	    objects/<className>/labels/  matching label files
//	    images/{train,val}/          rebuilt split
//	    labels/{train,val}/
//	    dataset.yaml                 index -> class name manifest
//	    <profileID>_<cameraType>_model.pt

// ModelDir returns the root of a slot's local training data.
func ModelDir(trainingDir string, profileID int64, camera store.CameraType) string {
	return filepath.Join(trainingDir, fmt.Sprintf("%d", profileID), string(camera))
}

// ModelFileName returns the conventional model artifact file name.
func ModelFileName(profileID int64, camera store.CameraType) string {
	return fmt.Sprintf("%d_%s_model.pt", profileID, camera)
}

// ModelPath returns the local path of a slot's model artifact.
func ModelPath(trainingDir string, profileID int64, camera store.CameraType) string {
	return filepath.Join(ModelDir(trainingDir, profileID, camera), ModelFileName(profileID, camera))
}

// ArtifactObject returns the remote storage object key for a slot's trained
// model, `{cameraType}/{profileID}_{cameraType}_model.pt` under the bucket.
func ArtifactObject(profileID int64, camera store.CameraType) string {
	return fmt.Sprintf("%s/%s", camera, ModelFileName(profileID, camera))
}

// DatasetObject returns the remote storage object key for a packaged dataset.
func DatasetObject(profileID int64, camera store.CameraType) string {
	return fmt.Sprintf("%s/%d_%s_dataset.zip", camera, profileID, camera)
}

func objectsDir(modelDir string) string {
	return filepath.Join(modelDir, "objects")
}

func classDir(modelDir, className string) string {
	return filepath.Join(objectsDir(modelDir), className)
}

func manifestPath(modelDir string) string {
	return filepath.Join(modelDir, "dataset.yaml")
}
