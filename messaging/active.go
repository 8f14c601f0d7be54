// Package messaging reconciles read state, aggregates conversation summaries,
// sends messages and orchestrates one authenticated messaging session.
package messaging

import "sync"

// ActiveConversation tracks which conversation is open in the UI, if any.
type ActiveConversation struct {
	mu     sync.RWMutex
	peerID string
}

// Open records peerID as the open conversation.
func (a *ActiveConversation) Open(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peerID = peerID
}

// Clear records that no conversation is open.
func (a *ActiveConversation) Clear() {
	a.Open("")
}

// PeerID returns the open conversation's peer, or "" when none is open.
func (a *ActiveConversation) PeerID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.peerID
}

// Is reports whether peerID is the open conversation.
func (a *ActiveConversation) Is(peerID string) bool {
	return peerID != "" && a.PeerID() == peerID
}
