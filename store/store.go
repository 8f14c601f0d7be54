// Package store keeps the per-peer message logs of the current user.
//
// Every writer (the live stream, the send pipeline, history loads and the read
// reconciler) goes through the operations below. Within a peer's log messages
// are unique by ID and sorted non-decreasing by TimeSent.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dmsync/models"
)

var (
	// ErrMissingID indicates a message without a server-assigned ID.
	ErrMissingID = errors.New("store: message id is required")
	// ErrForeignMessage indicates a message the current user neither sent nor received.
	ErrForeignMessage = errors.New("store: message does not involve current user")
)

// ChangeKind identifies which operation produced a Change.
type ChangeKind string

const (
	ChangeHistory ChangeKind = "history"
	ChangeLive    ChangeKind = "live"
	ChangeSent    ChangeKind = "sent"
	ChangeRead    ChangeKind = "read"
	ChangePurge   ChangeKind = "purge"
)

// Change is delivered to subscribers after a mutation.
type Change struct {
	PeerID string
	Kind   ChangeKind
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for TimeRead.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the single source of truth for message logs, keyed by peer user ID.
type Store struct {
	selfID string
	now    func() time.Time

	mu   sync.RWMutex
	logs map[string][]models.Message

	subMu     sync.RWMutex
	nextSubID int
	subs      map[int]func(Change)
}

// New creates an empty store for the given current user.
func New(selfID string, opts ...Option) *Store {
	s := &Store{
		selfID: selfID,
		now:    time.Now,
		logs:   make(map[string][]models.Message),
		subs:   make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelfID returns the current user ID the store was built for.
func (s *Store) SelfID() string {
	return s.selfID
}

// IngestHistory replaces the log for peerID with messages, applying the same
// dedup and ordering rule as IngestLive. Messages not exchanged with peerID are
// dropped. Read flags already applied locally survive the replacement, and so
// do local messages newer than the newest history entry.
func (s *Store) IngestHistory(peerID string, messages []models.Message) error {
	if peerID == "" {
		return errors.New("store: peer id is required")
	}

	s.mu.Lock()
	previous := s.logs[peerID]
	readLocally := make(map[string]models.Message, len(previous))
	for _, m := range previous {
		if m.IsRead {
			readLocally[m.ID] = m
		}
	}

	next := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == "" || !m.Involves(s.selfID) || m.PeerID(s.selfID) != peerID {
			continue
		}
		if local, ok := readLocally[m.ID]; ok && !m.IsRead {
			m.IsRead = true
			m.TimeRead = local.TimeRead
		}
		next = upsert(next, m)
	}
	// Live messages newer than the fetched history arrived while it was in flight.
	if len(next) > 0 {
		newest := next[len(next)-1].TimeSent
		for _, m := range previous {
			if m.TimeSent.After(newest) {
				next = upsert(next, m)
			}
		}
	}
	if len(next) == 0 {
		delete(s.logs, peerID)
	} else {
		s.logs[peerID] = next
	}
	s.mu.Unlock()

	s.publish(Change{PeerID: peerID, Kind: ChangeHistory})
	return nil
}

// IngestLive inserts a server-pushed message. A message whose ID is already
// present is updated in place instead of duplicated.
func (s *Store) IngestLive(message models.Message) error {
	return s.ingest(message, ChangeLive)
}

// IngestSent inserts the server-confirmed record of a message the current user sent.
func (s *Store) IngestSent(message models.Message) error {
	return s.ingest(message, ChangeSent)
}

func (s *Store) ingest(message models.Message, kind ChangeKind) error {
	if message.ID == "" {
		return ErrMissingID
	}
	if !message.Involves(s.selfID) {
		return fmt.Errorf("ingest message %q: %w", message.ID, ErrForeignMessage)
	}

	peerID := message.PeerID(s.selfID)
	s.mu.Lock()
	s.logs[peerID] = upsert(s.logs[peerID], message)
	s.mu.Unlock()

	s.publish(Change{PeerID: peerID, Kind: kind})
	return nil
}

// MarkRead marks every unread message sent by peerID with TimeSent at or
// before uptoTime as read. It returns the number of messages changed.
func (s *Store) MarkRead(peerID string, uptoTime time.Time) int {
	s.mu.Lock()
	log := s.logs[peerID]
	now := s.now()
	changed := 0
	for i := range log {
		m := &log[i]
		if m.SenderID != peerID || m.IsRead || m.TimeSent.After(uptoTime) {
			continue
		}
		readAt := now
		m.IsRead = true
		m.TimeRead = &readAt
		changed++
	}
	s.mu.Unlock()

	if changed > 0 {
		s.publish(Change{PeerID: peerID, Kind: ChangeRead})
	}
	return changed
}

// Purge removes the whole log for peerID. It reports whether a log existed.
func (s *Store) Purge(peerID string) bool {
	s.mu.Lock()
	_, existed := s.logs[peerID]
	delete(s.logs, peerID)
	s.mu.Unlock()

	if existed {
		s.publish(Change{PeerID: peerID, Kind: ChangePurge})
	}
	return existed
}

// Conversation returns a copy of the log for peerID.
func (s *Store) Conversation(peerID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLog(s.logs[peerID])
}

// Peers returns the IDs of all peers with at least one message, sorted.
func (s *Store) Peers() []string {
	s.mu.RLock()
	peers := make([]string, 0, len(s.logs))
	for peerID := range s.logs {
		peers = append(peers, peerID)
	}
	s.mu.RUnlock()

	sort.Strings(peers)
	return peers
}

// Snapshot returns a copy of every log.
func (s *Store) Snapshot() map[string][]models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string][]models.Message, len(s.logs))
	for peerID, log := range s.logs {
		snapshot[peerID] = cloneLog(log)
	}
	return snapshot
}

// Subscribe registers fn for change notifications and returns a function that
// removes the subscription. fn runs on the mutating goroutine without the
// store lock held.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(change Change) {
	s.subMu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

// upsert applies the insertion rule to log and returns the updated slice.
func upsert(log []models.Message, message models.Message) []models.Message {
	for i := range log {
		if log[i].ID != message.ID {
			continue
		}
		existing := log[i]
		if existing.IsRead && !message.IsRead {
			message.IsRead = true
			message.TimeRead = existing.TimeRead
		}
		if existing.TimeSent.Equal(message.TimeSent) {
			log[i] = message
			return log
		}
		log = append(log[:i], log[i+1:]...)
		break
	}

	idx := sort.Search(len(log), func(i int) bool {
		return log[i].TimeSent.After(message.TimeSent)
	})
	log = append(log, models.Message{})
	copy(log[idx+1:], log[idx:])
	log[idx] = message
	return log
}

func cloneLog(log []models.Message) []models.Message {
	if log == nil {
		return nil
	}
	out := make([]models.Message, len(log))
	for i, m := range log {
		if m.TimeRead != nil {
			t := *m.TimeRead
			m.TimeRead = &t
		}
		out[i] = m
	}
	return out
}
