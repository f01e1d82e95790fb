package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetUserProfile returns the free-form preference map for a user. A user
// with no stored profile gets an empty map, not an error.
func (db *DB) GetUserProfile(userID string) (map[string]any, error) {
	var raw string
	err := db.QueryRow(`SELECT profile FROM user_profiles WHERE user_id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}

	profile := map[string]any{}
	jsonDecode(raw, &profile)
	return profile, nil
}

// UpdateUserProfile merge-writes the given updates into the user's profile:
// named keys are overwritten, all others are left untouched.
func (db *DB) UpdateUserProfile(userID string, updates map[string]any) error {
	if userID == "" {
		return fmt.Errorf("update user profile: empty user id")
	}

	profile, err := db.GetUserProfile(userID)
	if err != nil {
		return err
	}
	for k, v := range updates {
		profile[k] = v
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO user_profiles (user_id, profile, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET profile = ?, updated_at = ?
	`, userID, jsonEncode(profile), now, jsonEncode(profile), now)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}
