package training

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orenshk/babyguard/internal/store"
)

// deleteClassData removes a class's folder from the dataset tree. Removing
// a class that never had files is a no-op.
func deleteClassData(modelDir, className string) error {
	return os.RemoveAll(classDir(modelDir, className))
}

// addClassData creates a class's folder pair and moves its staged files in.
func addClassData(modelDir string, profileID int64, camera store.CameraType, item NewClassData) error {
	dir := classDir(modelDir, item.Name)
	imagesDir := filepath.Join(dir, "images")
	labelsDir := filepath.Join(dir, "labels")
	for _, d := range []string{imagesDir, labelsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create class directory: %w", err)
		}
	}
	prefix := fmt.Sprintf("%d_%s_%s", profileID, camera, item.Name)
	if err := moveStagedFiles(item.Files.Images, imagesDir, prefix); err != nil {
		return err
	}
	return moveStagedFiles(item.Files.Labels, labelsDir, prefix)
}

// appendClassData moves additional staged files into an existing class's
// folders. The class folder must already exist.
func appendClassData(modelDir string, profileID int64, camera store.CameraType, item UpdatedClassData) error {
	if item.Files.empty() {
		return nil
	}
	dir := classDir(modelDir, item.Name)
	imagesDir := filepath.Join(dir, "images")
	labelsDir := filepath.Join(dir, "labels")
	for _, d := range []string{imagesDir, labelsDir} {
		if _, err := os.Stat(d); err != nil {
			return fmt.Errorf("class folder %s not found: %w", item.Name, err)
		}
	}
	prefix := fmt.Sprintf("%d_%s_%s", profileID, camera, item.Name)
	if err := moveStagedFiles(item.Files.Images, imagesDir, prefix); err != nil {
		return err
	}
	return moveStagedFiles(item.Files.Labels, labelsDir, prefix)
}

// moveStagedFiles moves staged uploads into destDir, renaming each one to
// <prefix>_<n><ext> so repeated uploads never collide.
func moveStagedFiles(staged []string, destDir, prefix string) error {
	next := nextFileIndex(destDir, prefix)
	for _, src := range staged {
		dst := filepath.Join(destDir, fmt.Sprintf("%s_%d%s", prefix, next, filepath.Ext(src)))
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move staged file: %w", err)
		}
		next++
	}
	return nil
}

// nextFileIndex scans destDir for files named <prefix>_<n>.<ext> and returns
// the first unused n.
func nextFileIndex(destDir, prefix string) int {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return 0
	}
	next := 0
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		rest, found := strings.CutPrefix(name, prefix+"_")
		if !found {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	return next
}

// manifest is the dataset.yaml consumed by the external training job.
type manifest struct {
	Train string         `yaml:"train"`
	Val   string         `yaml:"val"`
	Names map[int]string `yaml:"names"`
}

// writeManifest regenerates dataset.yaml from the given classes, which carry
// the authoritative model indices, and returns the name to index mapping
// used for label remapping.
func writeManifest(modelDir string, classes []store.Class) (map[string]int, error) {
	names := make(map[int]string, len(classes))
	mapping := make(map[string]int, len(classes))
	for _, c := range classes {
		names[c.ModelIndex] = c.Name
		mapping[c.Name] = c.ModelIndex
	}

	data, err := yaml.Marshal(manifest{
		Train: "images/train",
		Val:   "images/val",
		Names: names,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dataset manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath(modelDir), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write dataset manifest: %w", err)
	}
	return mapping, nil
}

// remapLabels rewrites every label file under objects/<class>/labels/ so the
// leading class index matches the current mapping. Malformed lines are
// dropped rather than carried into the next training run.
func remapLabels(modelDir string, mapping map[string]int) error {
	for className, index := range mapping {
		labelsDir := filepath.Join(classDir(modelDir, className), "labels")
		entries, err := os.ReadDir(labelsDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(labelsDir, e.Name())
			if err := remapLabelFile(path, index); err != nil {
				return fmt.Errorf("failed to remap %s: %w", path, err)
			}
		}
	}
	return nil
}

func remapLabelFile(path string, index int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 {
			continue
		}
		fields[0] = strconv.Itoa(index)
		out.WriteString(strings.Join(fields, " "))
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.WriteFile(path, []byte(out.String()), 0644)
}

// rebuildSplit clears and repopulates images/{train,val} and
// labels/{train,val} from all classes' image/label pairs, shuffled with the
// given source so the split is reproducible per seed.
func rebuildSplit(modelDir string, valRatio float64, rng *rand.Rand) error {
	imageTrain := filepath.Join(modelDir, "images", "train")
	imageVal := filepath.Join(modelDir, "images", "val")
	labelTrain := filepath.Join(modelDir, "labels", "train")
	labelVal := filepath.Join(modelDir, "labels", "val")
	for _, d := range []string{imageTrain, imageVal, labelTrain, labelVal} {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	pairs, err := collectPairs(modelDir)
	if err != nil {
		return err
	}

	rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})
	split := int(float64(len(pairs)) * (1 - valRatio))

	for i, p := range pairs {
		imgDir, lblDir := imageTrain, labelTrain
		if i >= split {
			imgDir, lblDir = imageVal, labelVal
		}
		if err := copyFile(p.image, filepath.Join(imgDir, filepath.Base(p.image))); err != nil {
			return err
		}
		if err := copyFile(p.label, filepath.Join(lblDir, filepath.Base(p.label))); err != nil {
			return err
		}
	}
	return nil
}

type samplePair struct {
	image string
	label string
}

// collectPairs gathers every image with a matching label file across all
// class folders, sorted for a deterministic pre-shuffle order.
func collectPairs(modelDir string) ([]samplePair, error) {
	classes, err := os.ReadDir(objectsDir(modelDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pairs []samplePair
	for _, class := range classes {
		if !class.IsDir() {
			continue
		}
		imgDir := filepath.Join(classDir(modelDir, class.Name()), "images")
		lblDir := filepath.Join(classDir(modelDir, class.Name()), "labels")

		images, err := os.ReadDir(imgDir)
		if err != nil {
			continue
		}
		for _, img := range images {
			if img.IsDir() {
				continue
			}
			base := strings.TrimSuffix(img.Name(), filepath.Ext(img.Name()))
			label := filepath.Join(lblDir, base+".txt")
			if _, err := os.Stat(label); err != nil {
				continue
			}
			pairs = append(pairs, samplePair{
				image: filepath.Join(imgDir, img.Name()),
				label: label,
			})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].image < pairs[j].image })
	return pairs, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// zipDataset packages the split folders and the manifest, nothing else, into
// a zip archive at zipPath. Raw per-class folders and scratch files stay out
// of the shipped dataset.
func zipDataset(modelDir, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create dataset archive: %w", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)

	addFile := func(path, arcname string) error {
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := w.Create(arcname)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, in)
		return err
	}

	for _, sub := range []string{"images", "labels"} {
		root := filepath.Join(modelDir, sub)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(modelDir, path)
			if err != nil {
				return err
			}
			return addFile(path, filepath.ToSlash(rel))
		})
		if err != nil && !os.IsNotExist(err) {
			w.Close()
			return fmt.Errorf("failed to package %s: %w", sub, err)
		}
	}
	if _, err := os.Stat(manifestPath(modelDir)); err == nil {
		if err := addFile(manifestPath(modelDir), "dataset.yaml"); err != nil {
			w.Close()
			return fmt.Errorf("failed to package manifest: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize dataset archive: %w", err)
	}
	return f.Close()
}
