package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrClassNotFound is returned when a detection class does not exist.
var ErrClassNotFound = errors.New("detection class not found")

// Class is one detection class of a (profile, camera type) model.
type Class struct {
	ID         int64
	ProfileID  int64
	Camera     CameraType
	Name       string
	RiskLevel  RiskLevel
	ModelIndex int
}

// NewClass describes a class to be inserted.
type NewClass struct {
	Name      string
	RiskLevel RiskLevel
}

// ListClasses returns the classes of a slot ordered by model index.
func (s *Store) ListClasses(ctx context.Context, profileID int64, camera CameraType) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, baby_profile_id, camera_type, name, risk_level, model_index
		FROM classes
		WHERE baby_profile_id = ? AND camera_type = ?
		ORDER BY model_index ASC`, profileID, camera)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.Camera, &c.Name, &c.RiskLevel, &c.ModelIndex); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// ClassByModelIndex resolves a class from the index the model reports.
func (s *Store) ClassByModelIndex(ctx context.Context, profileID int64, camera CameraType, modelIndex int) (*Class, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, baby_profile_id, camera_type, name, risk_level, model_index
		FROM classes
		WHERE baby_profile_id = ? AND camera_type = ? AND model_index = ?`,
		profileID, camera, modelIndex)

	var c Class
	err := row.Scan(&c.ID, &c.ProfileID, &c.Camera, &c.Name, &c.RiskLevel, &c.ModelIndex)
	if err == sql.ErrNoRows {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load class: %w", err)
	}
	return &c, nil
}

// CountClasses returns the number of classes registered for a slot.
func (s *Store) CountClasses(ctx context.Context, profileID int64, camera CameraType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM classes WHERE baby_profile_id = ? AND camera_type = ?`,
		profileID, camera).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count classes: %w", err)
	}
	return n, nil
}

// InsertClasses appends new classes, assigning model indexes after the
// existing ones. Duplicate names are rejected by the unique constraint.
func (s *Store) InsertClasses(ctx context.Context, profileID int64, camera CameraType, newClasses []NewClass) error {
	if len(newClasses) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM classes WHERE baby_profile_id = ? AND camera_type = ?`,
		profileID, camera).Scan(&count); err != nil {
		return fmt.Errorf("failed to count classes: %w", err)
	}

	for i, nc := range newClasses {
		if !nc.RiskLevel.Valid() {
			return fmt.Errorf("invalid risk level %q for class %q", nc.RiskLevel, nc.Name)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO classes (baby_profile_id, camera_type, name, risk_level, model_index)
			VALUES (?, ?, ?, ?, ?)`,
			profileID, camera, nc.Name, nc.RiskLevel, count+i)
		if err != nil {
			return fmt.Errorf("failed to insert class %q: %w", nc.Name, err)
		}
	}

	return tx.Commit()
}

// UpdateClassRisk updates the risk level of an existing class.
func (s *Store) UpdateClassRisk(ctx context.Context, profileID int64, camera CameraType, name string, risk RiskLevel) error {
	if !risk.Valid() {
		return fmt.Errorf("invalid risk level %q for class %q", risk, name)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE classes SET risk_level = ?
		WHERE baby_profile_id = ? AND camera_type = ? AND name = ?`,
		risk, profileID, camera, name)
	if err != nil {
		return fmt.Errorf("failed to update class %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrClassNotFound
	}
	return nil
}

// DeleteClasses removes the named classes, cascades their detection events and
// reindexes the survivors so model indexes stay a contiguous 0-based range.
// It returns the image paths of the cascaded events so the caller can remove
// the files.
func (s *Store) DeleteClasses(ctx context.Context, profileID int64, camera CameraType, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]interface{}, 0, len(names)+2)
	args = append(args, profileID, camera)
	for _, n := range names {
		args = append(args, n)
	}

	selImages := fmt.Sprintf(`
		SELECT image_path FROM detections
		WHERE image_path IS NOT NULL AND image_path != '' AND class_id IN (
			SELECT id FROM classes
			WHERE baby_profile_id = ? AND camera_type = ? AND name IN (%s)
		)`, placeholders)
	rows, err := tx.QueryContext(ctx, selImages, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection images of removed classes: %w", err)
	}
	var imagePaths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		imagePaths = append(imagePaths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	delDetections := fmt.Sprintf(`
		DELETE FROM detections WHERE class_id IN (
			SELECT id FROM classes
			WHERE baby_profile_id = ? AND camera_type = ? AND name IN (%s)
		)`, placeholders)
	if _, err := tx.ExecContext(ctx, delDetections, args...); err != nil {
		return nil, fmt.Errorf("failed to delete detections of removed classes: %w", err)
	}

	delClasses := fmt.Sprintf(`
		DELETE FROM classes
		WHERE baby_profile_id = ? AND camera_type = ? AND name IN (%s)`, placeholders)
	if _, err := tx.ExecContext(ctx, delClasses, args...); err != nil {
		return nil, fmt.Errorf("failed to delete classes: %w", err)
	}

	if err := reindexClasses(ctx, tx, profileID, camera); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return imagePaths, nil
}

// reindexClasses reassigns model indexes 0..n-1 preserving the current order.
// Indexes are first moved out of range so the unique constraint cannot trip
// mid-update.
func reindexClasses(ctx context.Context, tx *sql.Tx, profileID int64, camera CameraType) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM classes
		WHERE baby_profile_id = ? AND camera_type = ?
		ORDER BY model_index ASC`, profileID, camera)
	if err != nil {
		return fmt.Errorf("failed to load surviving classes: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE classes SET model_index = -(model_index + 1)
		WHERE baby_profile_id = ? AND camera_type = ?`, profileID, camera); err != nil {
		return fmt.Errorf("failed to stage reindex: %w", err)
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE classes SET model_index = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("failed to reindex class %d: %w", id, err)
		}
	}
	return nil
}
