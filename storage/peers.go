package storage

import (
	"errors"
	"fmt"
)

// UpsertPeer records the username for userID. An empty username never
// overwrites a known one.
func (s *Store) UpsertPeer(userID, username string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (user_id, username, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = CASE WHEN excluded.username = '' THEN peers.username ELSE excluded.username END,
			updated_at = excluded.updated_at`,
		userID,
		username,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", userID, err)
	}
	return nil
}

// PeerUsernames returns every known non-empty username keyed by user ID.
func (s *Store) PeerUsernames() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT user_id, username FROM peers WHERE username <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	usernames := make(map[string]string)
	for rows.Next() {
		var userID, username string
		if err := rows.Scan(&userID, &username); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		usernames[userID] = username
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return usernames, nil
}
