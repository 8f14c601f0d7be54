package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"dmsync/models"
)

// ReplaceConversation overwrites ownerID's cached log with peerID, keeping
// the order of messages. Other accounts' rows are never touched.
func (s *Store) ReplaceConversation(ownerID, peerID string, messages []models.Message) error {
	if ownerID == "" {
		return errors.New("owner_id is required")
	}
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace conversation %q: %w", peerID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM messages WHERE owner_id = ? AND peer_id = ?`, ownerID, peerID); err != nil {
		return fmt.Errorf("clear conversation %q: %w", peerID, err)
	}

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO messages (
			owner_id,
			peer_id,
			id,
			sender_id,
			receiver_id,
			body,
			time_sent,
			is_read,
			time_read,
			position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		if m.ID == "" {
			return errors.New("message id is required")
		}
		if _, err := stmt.Exec(
			ownerID,
			peerID,
			m.ID,
			m.SenderID,
			m.ReceiverID,
			m.Body,
			toUnixNano(m.TimeSent),
			boolToInt(m.IsRead),
			nullTime(m.TimeRead),
			i,
		); err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation %q: %w", peerID, err)
	}
	return nil
}

// LoadConversations returns every cached log of ownerID keyed by peer.
func (s *Store) LoadConversations(ownerID string) (map[string][]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT
			id,
			peer_id,
			sender_id,
			receiver_id,
			body,
			time_sent,
			is_read,
			time_read
		FROM messages
		WHERE owner_id = ?
		ORDER BY peer_id, position`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	conversations := make(map[string][]models.Message)
	for rows.Next() {
		var (
			peerID   string
			message  models.Message
			timeSent int64
			isRead   int
			timeRead sql.NullInt64
		)
		if err := rows.Scan(
			&message.ID,
			&peerID,
			&message.SenderID,
			&message.ReceiverID,
			&message.Body,
			&timeSent,
			&isRead,
			&timeRead,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		message.TimeSent = fromUnixNano(timeSent)
		message.IsRead = isRead == 1
		message.TimeRead = timePtr(timeRead)
		conversations[peerID] = append(conversations[peerID], message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return conversations, nil
}

// DeleteConversation removes ownerID's cached log with peerID.
func (s *Store) DeleteConversation(ownerID, peerID string) error {
	if ownerID == "" || peerID == "" {
		return errors.New("owner_id and peer_id are required")
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE owner_id = ? AND peer_id = ?`, ownerID, peerID); err != nil {
		return fmt.Errorf("delete conversation %q: %w", peerID, err)
	}
	return nil
}
