package messaging

import (
	"sync"
	"testing"

	"dmsync/models"
	"dmsync/store"
)

func TestSummarizeOrdersByLastMessage(t *testing.T) {
	snapshot := map[string][]models.Message{
		"u1": {msg("1", "u1", "me", 1), msg("2", "me", "u1", 5)},
		"u2": {msg("3", "u2", "me", 2), msg("4", "u2", "me", 9)},
		"u3": {msg("5", "u3", "me", 5)},
		"u4": nil,
	}
	snapshot["u2"][0].IsRead = true

	got := Summarize(snapshot, map[string]string{"u2": "bob"})
	if len(got) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(got))
	}

	order := []string{got[0].PeerUserID, got[1].PeerUserID, got[2].PeerUserID}
	if order[0] != "u2" || order[1] != "u1" || order[2] != "u3" {
		t.Fatalf("unexpected order %v", order)
	}
	if got[0].PeerUsername != "bob" || got[0].UnreadCount != 1 || got[0].LastMessage != "body 4" {
		t.Fatalf("unexpected u2 summary %+v", got[0])
	}
	if got[1].UnreadCount != 1 || !got[1].LastMessageTime.Equal(at(5)) {
		t.Fatalf("own messages must not count as unread, got %+v", got[1])
	}
}

func TestAggregatorDropsPurgedPeer(t *testing.T) {
	s := store.New("u1")
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		from, to := "u1", "u2"
		if i%2 == 1 {
			from, to = "u2", "u1"
		}
		if err := s.IngestLive(msg(id, from, to, i)); err != nil {
			t.Fatalf("IngestLive %s: %v", id, err)
		}
	}
	if err := s.IngestLive(msg("f", "u3", "u1", 10)); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}

	a := NewAggregator(s, nil)
	defer a.Close()
	if n := len(a.Summaries()); n != 2 {
		t.Fatalf("expected two conversations, got %d", n)
	}

	if !s.Purge("u2") {
		t.Fatalf("expected purge to report an existing log")
	}
	if log := s.Conversation("u2"); len(log) != 0 {
		t.Fatalf("expected empty log after purge, got %d", len(log))
	}
	summaries := a.Summaries()
	if len(summaries) != 1 || summaries[0].PeerUserID != "u3" {
		t.Fatalf("expected only u3 listed, got %+v", summaries)
	}
}

func TestAggregatorFollowsStoreChanges(t *testing.T) {
	s := store.New("me")

	var (
		mu      sync.Mutex
		updates [][]models.ConversationSummary
	)
	a := NewAggregator(s, func(list []models.ConversationSummary) {
		mu.Lock()
		updates = append(updates, list)
		mu.Unlock()
	})
	defer a.Close()

	if err := s.IngestLive(msg("1", "u1", "me", 1)); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}
	if got := a.Summaries(); len(got) != 1 || got[0].UnreadCount != 1 {
		t.Fatalf("expected one unread conversation, got %+v", got)
	}

	s.MarkRead("u1", at(1))
	if got := a.Summaries(); got[0].UnreadCount != 0 {
		t.Fatalf("expected unread count to drop after MarkRead, got %+v", got)
	}

	a.SetUsernames(map[string]string{"u1": "alice"})
	if a.Username("u1") != "alice" || a.Summaries()[0].PeerUsername != "alice" {
		t.Fatalf("expected username to flow into summaries")
	}

	mu.Lock()
	n := len(updates)
	mu.Unlock()
	// initial, ingest, mark-read, usernames
	if n != 4 {
		t.Fatalf("expected 4 updates, got %d", n)
	}

	a.Close()
	if err := s.IngestLive(msg("2", "u2", "me", 2)); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}
	if len(a.Summaries()) != 1 {
		t.Fatalf("closed aggregator must stop following the store")
	}
}
