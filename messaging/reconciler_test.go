package messaging

import (
	"context"
	"errors"
	"testing"

	"dmsync/store"
)

func TestConversationOpenedMarksReadAndAcknowledges(t *testing.T) {
	s := store.New("me")
	for _, m := range []struct {
		id, from, to string
		minutes      int
	}{
		{"1", "u1", "me", 1},
		{"2", "me", "u1", 2},
		{"3", "u1", "me", 3},
		{"4", "u2", "me", 4},
	} {
		if err := s.IngestLive(msg(m.id, m.from, m.to, m.minutes)); err != nil {
			t.Fatalf("IngestLive %s: %v", m.id, err)
		}
	}

	server := newFakeServer()
	r := NewReconciler(s, server, &ActiveConversation{}, nil)
	if err := r.OnConversationOpened(context.Background(), "u1"); err != nil {
		t.Fatalf("OnConversationOpened failed: %v", err)
	}

	for _, m := range s.Conversation("u1") {
		if m.SenderID == "u1" && !m.IsRead {
			t.Fatalf("expected message %s from u1 to be read", m.ID)
		}
	}
	if s.Conversation("u2")[0].IsRead {
		t.Fatalf("opening u1 must not touch u2's log")
	}
	if calls := server.markReadCalls(); len(calls) != 1 || calls[0] != "u1" {
		t.Fatalf("expected one mark-read for u1, got %v", calls)
	}
}

func TestConversationOpenedKeepsLocalStateWhenServerFails(t *testing.T) {
	s := store.New("me")
	if err := s.IngestLive(msg("1", "u1", "me", 1)); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}

	server := newFakeServer()
	server.markReadErr = errors.New("503")
	r := NewReconciler(s, server, &ActiveConversation{}, nil)

	if err := r.OnConversationOpened(context.Background(), "u1"); err == nil {
		t.Fatalf("expected server error to be returned")
	}
	if !s.Conversation("u1")[0].IsRead {
		t.Fatalf("local read state must not be rolled back")
	}
}

func TestLiveMessageInOpenConversationIsRead(t *testing.T) {
	s := store.New("me")
	active := &ActiveConversation{}
	active.Open("u1")
	server := newFakeServer()
	r := NewReconciler(s, server, active, nil)

	live := msg("1", "u1", "me", 1)
	if err := s.IngestLive(live); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}
	applied, err := r.OnLiveMessageArrived(context.Background(), live)
	if err != nil || !applied {
		t.Fatalf("expected message to be marked read, got %v / %v", applied, err)
	}
	m := s.Conversation("u1")[0]
	if !m.IsRead || m.TimeRead == nil {
		t.Fatalf("expected read flag and time, got %+v", m)
	}
	if calls := server.markReadCalls(); len(calls) != 1 {
		t.Fatalf("expected one acknowledgement, got %v", calls)
	}
}

func TestLiveMessageOutsideOpenConversationStaysUnread(t *testing.T) {
	s := store.New("me")
	active := &ActiveConversation{}
	active.Open("u2")
	server := newFakeServer()
	r := NewReconciler(s, server, active, nil)

	live := msg("1", "u1", "me", 1)
	own := msg("2", "me", "u2", 2)
	if err := s.IngestLive(live); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}
	if applied, _ := r.OnLiveMessageArrived(context.Background(), live); applied {
		t.Fatalf("message from a closed conversation must stay unread")
	}
	if applied, _ := r.OnLiveMessageArrived(context.Background(), own); applied {
		t.Fatalf("own messages are never reconciled")
	}
	if s.Conversation("u1")[0].IsRead {
		t.Fatalf("expected message to remain unread")
	}
	if calls := server.markReadCalls(); len(calls) != 0 {
		t.Fatalf("expected no acknowledgements, got %v", calls)
	}
}

func TestActiveConversationIsIndependentPerInstance(t *testing.T) {
	var a, b ActiveConversation
	a.Open("u1")
	if b.Is("u1") {
		t.Fatalf("active conversations must not share state")
	}
	if a.Is("") {
		t.Fatalf("empty peer is never active")
	}
	a.Clear()
	if a.PeerID() != "" {
		t.Fatalf("expected cleared conversation, got %q", a.PeerID())
	}
}
