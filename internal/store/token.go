package store

import (
	"context"
	"fmt"
)

// AddPushToken registers a device push token for a user. Re-registering the
// same token is a no-op.
func (s *Store) AddPushToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (user_id, token) VALUES (?, ?)
		ON CONFLICT(user_id, token) DO NOTHING`, userID, token)
	if err != nil {
		return fmt.Errorf("failed to add push token: %w", err)
	}
	return nil
}

// RemovePushToken deletes a device push token.
func (s *Store) RemovePushToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM push_tokens WHERE user_id = ? AND token = ?`, userID, token)
	if err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	return nil
}

// PushTokensForUser returns all registered device tokens of a user.
func (s *Store) PushTokensForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
