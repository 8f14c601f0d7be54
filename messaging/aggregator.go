package messaging

import (
	"sort"
	"sync"

	"dmsync/models"
	"dmsync/store"
)

// Summarize derives one summary per peer with at least one message, newest
// conversation first. usernames may be nil.
func Summarize(snapshot map[string][]models.Message, usernames map[string]string) []models.ConversationSummary {
	summaries := make([]models.ConversationSummary, 0, len(snapshot))
	for peerID, log := range snapshot {
		if len(log) == 0 {
			continue
		}
		last := log[len(log)-1]
		unread := 0
		for _, m := range log {
			if m.SenderID == peerID && !m.IsRead {
				unread++
			}
		}
		summaries = append(summaries, models.ConversationSummary{
			PeerUserID:      peerID,
			PeerUsername:    usernames[peerID],
			LastMessage:     last.Body,
			LastMessageTime: last.TimeSent,
			UnreadCount:     unread,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		return a.PeerUserID < b.PeerUserID
	})
	return summaries
}

// Aggregator keeps the conversation list in step with a Store. It recomputes
// the whole list on every change and never writes to the Store.
type Aggregator struct {
	store *store.Store

	// computeMu orders recomputations so a stale snapshot never overwrites a newer one.
	computeMu sync.Mutex

	mu        sync.RWMutex
	usernames map[string]string
	current   []models.ConversationSummary
	onChange  func([]models.ConversationSummary)

	unsubscribe func()
}

// NewAggregator subscribes to s. onChange, if set, receives every recomputed
// list; it must not mutate s.
func NewAggregator(s *store.Store, onChange func([]models.ConversationSummary)) *Aggregator {
	a := &Aggregator{
		store:     s,
		usernames: make(map[string]string),
		onChange:  onChange,
	}
	a.unsubscribe = s.Subscribe(func(store.Change) { a.recompute() })
	a.recompute()
	return a
}

// SetUsernames merges peer usernames into the directory and recomputes.
func (a *Aggregator) SetUsernames(usernames map[string]string) {
	a.mu.Lock()
	for peerID, name := range usernames {
		if name != "" {
			a.usernames[peerID] = name
		}
	}
	a.mu.Unlock()
	a.recompute()
}

// Username returns the known username for peerID.
func (a *Aggregator) Username(peerID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usernames[peerID]
}

// Summaries returns the latest list.
func (a *Aggregator) Summaries() []models.ConversationSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]models.ConversationSummary(nil), a.current...)
}

// Close stops listening to the Store.
func (a *Aggregator) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *Aggregator) recompute() {
	a.computeMu.Lock()
	defer a.computeMu.Unlock()

	a.mu.RLock()
	usernames := make(map[string]string, len(a.usernames))
	for k, v := range a.usernames {
		usernames[k] = v
	}
	a.mu.RUnlock()

	summaries := Summarize(a.store.Snapshot(), usernames)

	a.mu.Lock()
	a.current = summaries
	onChange := a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(append([]models.ConversationSummary(nil), summaries...))
	}
}
