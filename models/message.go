package models

import "time"

// Message is one direct message as returned by the messaging API.
type Message struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Body       string     `json:"body"`
	TimeSent   time.Time  `json:"timeSent"`
	IsRead     bool       `json:"isRead"`
	TimeRead   *time.Time `json:"timeRead,omitempty"`
}

// PeerID returns the participant of the conversation that is not selfID.
func (m Message) PeerID(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}
