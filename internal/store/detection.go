package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDetectionNotFound is returned when a detection event does not exist.
var ErrDetectionNotFound = errors.New("detection not found")

// Detection is a persisted hazard detection event. ClassName is a denormalized
// copy so the event stays readable after the class is renamed or deleted.
type Detection struct {
	ID         int64
	ProfileID  int64
	ClassID    int64
	ClassName  string
	Confidence float64
	Camera     CameraType
	Timestamp  time.Time
	ImagePath  string
}

// InsertDetection persists a detection event and returns its id.
func (s *Store) InsertDetection(ctx context.Context, d *Detection) (int64, error) {
	if d.Confidence < 0 || d.Confidence > 1 {
		return 0, fmt.Errorf("confidence %f out of range", d.Confidence)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (baby_profile_id, class_id, class_name, confidence, camera_type, timestamp, image_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ProfileID, d.ClassID, d.ClassName, d.Confidence, d.Camera, d.Timestamp, d.ImagePath)
	if err != nil {
		return 0, fmt.Errorf("failed to insert detection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	d.ID = id
	return id, nil
}

// GetDetection loads a single detection event.
func (s *Store) GetDetection(ctx context.Context, id int64) (*Detection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, baby_profile_id, class_id, class_name, confidence, camera_type, timestamp, image_path
		FROM detections WHERE id = ?`, id)

	var d Detection
	var imagePath sql.NullString
	err := row.Scan(&d.ID, &d.ProfileID, &d.ClassID, &d.ClassName, &d.Confidence, &d.Camera, &d.Timestamp, &imagePath)
	if err == sql.ErrNoRows {
		return nil, ErrDetectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load detection: %w", err)
	}
	d.ImagePath = imagePath.String
	return &d, nil
}

// ListDetections returns a profile's detection events, newest first.
func (s *Store) ListDetections(ctx context.Context, profileID int64) ([]Detection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, baby_profile_id, class_id, class_name, confidence, camera_type, timestamp, image_path
		FROM detections
		WHERE baby_profile_id = ?
		ORDER BY timestamp DESC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var d Detection
		var imagePath sql.NullString
		if err := rows.Scan(&d.ID, &d.ProfileID, &d.ClassID, &d.ClassName, &d.Confidence, &d.Camera, &d.Timestamp, &imagePath); err != nil {
			return nil, err
		}
		d.ImagePath = imagePath.String
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// DeleteDetection removes a detection event row. The caller is responsible
// for removing the stored image file.
func (s *Store) DeleteDetection(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete detection: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrDetectionNotFound
	}
	return nil
}

// DeleteDetectionsForProfile removes all detection events of a profile and
// returns their image paths so the caller can remove the files.
func (s *Store) DeleteDetectionsForProfile(ctx context.Context, profileID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_path FROM detections WHERE baby_profile_id = ? AND image_path IS NOT NULL`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection images: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM detections WHERE baby_profile_id = ?`, profileID); err != nil {
		return nil, fmt.Errorf("failed to delete detections: %w", err)
	}
	return paths, nil
}
