package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrProfileNotFound is returned when a baby profile does not exist.
var ErrProfileNotFound = errors.New("baby profile not found")

// Profile is a baby profile row together with both camera slots.
type Profile struct {
	ID     int64
	UserID int64
	Name   string
	Head   Slot
	Static Slot
}

// Slot is the connection and model state of one (profile, camera type) pair.
type Slot struct {
	ProfileID      int64
	Camera         CameraType
	IP             string
	Connected      bool
	InDetection    bool
	ModelUpdatedAt *time.Time
}

// CreateProfile inserts a new baby profile and returns its id.
func (s *Store) CreateProfile(ctx context.Context, userID int64, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO baby_profiles (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create profile: %w", err)
	}
	return res.LastInsertId()
}

// GetProfile loads a profile and its camera slots.
func (s *Store) GetProfile(ctx context.Context, profileID int64) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name,
			head_camera_ip, head_camera_on, head_in_detection, head_model_updated_at,
			static_camera_ip, static_camera_on, static_in_detection, static_model_updated_at
		FROM baby_profiles WHERE id = ?`, profileID)

	var p Profile
	var headIP, staticIP sql.NullString
	var headUpdated, staticUpdated sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.Name,
		&headIP, &p.Head.Connected, &p.Head.InDetection, &headUpdated,
		&staticIP, &p.Static.Connected, &p.Static.InDetection, &staticUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	p.Head.ProfileID, p.Head.Camera = p.ID, HeadCamera
	p.Static.ProfileID, p.Static.Camera = p.ID, StaticCamera
	p.Head.IP = headIP.String
	p.Static.IP = staticIP.String
	if headUpdated.Valid {
		p.Head.ModelUpdatedAt = &headUpdated.Time
	}
	if staticUpdated.Valid {
		p.Static.ModelUpdatedAt = &staticUpdated.Time
	}
	return &p, nil
}

// ProfilesForUser lists the profiles owned by a user, slots included.
func (s *Store) ProfilesForUser(ctx context.Context, userID int64) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM baby_profiles WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

// GetSlot loads a single camera slot.
func (s *Store) GetSlot(ctx context.Context, profileID int64, camera CameraType) (*Slot, error) {
	p, err := s.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if camera == HeadCamera {
		return &p.Head, nil
	}
	return &p.Static, nil
}

func columnPrefix(camera CameraType) string {
	if camera == HeadCamera {
		return "head"
	}
	return "static"
}

// SetSlotConnection persists a camera's IP and connected flag.
func (s *Store) SetSlotConnection(ctx context.Context, profileID int64, camera CameraType, ip string, connected bool) error {
	prefix := columnPrefix(camera)
	query := fmt.Sprintf(
		`UPDATE baby_profiles SET %s_camera_ip = ?, %s_camera_on = ? WHERE id = ?`, prefix, prefix)
	return s.execOnProfile(ctx, query, ip, connected, profileID)
}

// ClearSlot clears a camera's IP, connected flag and in-detection flag.
func (s *Store) ClearSlot(ctx context.Context, profileID int64, camera CameraType) error {
	prefix := columnPrefix(camera)
	query := fmt.Sprintf(
		`UPDATE baby_profiles SET %s_camera_ip = NULL, %s_camera_on = 0, %s_in_detection = 0 WHERE id = ?`,
		prefix, prefix, prefix)
	return s.execOnProfile(ctx, query, profileID)
}

// SetSlotDetecting flags whether a detection session is active on the slot.
func (s *Store) SetSlotDetecting(ctx context.Context, profileID int64, camera CameraType, detecting bool) error {
	prefix := columnPrefix(camera)
	query := fmt.Sprintf(`UPDATE baby_profiles SET %s_in_detection = ? WHERE id = ?`, prefix)
	return s.execOnProfile(ctx, query, detecting, profileID)
}

// SetModelUpdatedAt records when the slot's model artifact was last refreshed.
func (s *Store) SetModelUpdatedAt(ctx context.Context, profileID int64, camera CameraType, t time.Time) error {
	prefix := columnPrefix(camera)
	query := fmt.Sprintf(`UPDATE baby_profiles SET %s_model_updated_at = ? WHERE id = ?`, prefix)
	return s.execOnProfile(ctx, query, t, profileID)
}

// ClearModelUpdatedAt clears the slot's model refresh timestamp.
func (s *Store) ClearModelUpdatedAt(ctx context.Context, profileID int64, camera CameraType) error {
	prefix := columnPrefix(camera)
	query := fmt.Sprintf(`UPDATE baby_profiles SET %s_model_updated_at = NULL WHERE id = ?`, prefix)
	return s.execOnProfile(ctx, query, profileID)
}

// ResetAllSlotsForUser disconnects every camera of every profile owned by the
// user. It returns the number of profiles touched.
func (s *Store) ResetAllSlotsForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE baby_profiles SET
			head_camera_ip = NULL, head_camera_on = 0, head_in_detection = 0,
			static_camera_ip = NULL, static_camera_on = 0, static_in_detection = 0
		WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset cameras: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) execOnProfile(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}
