package models

import "time"

// ConversationSummary is the derived one-line view of a conversation with a peer.
type ConversationSummary struct {
	PeerUserID      string    `json:"peerUserId"`
	PeerUsername    string    `json:"peerUsername"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// UnreadCount is the global unread total reported by the server.
type UnreadCount struct {
	UnreadCount int  `json:"unreadCount"`
	HasUnread   bool `json:"hasUnread"`
}
