package messaging

import (
	"context"
	"errors"
	"testing"

	"dmsync/store"
)

func TestSendStoresServerRecord(t *testing.T) {
	s := store.New("me")
	server := newFakeServer()
	sender := NewSender(s, server, nil)

	m, err := sender.Send(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if m.ID != "srv-1" {
		t.Fatalf("expected server id, got %q", m.ID)
	}
	log := s.Conversation("u1")
	if len(log) != 1 || log[0].ID != "srv-1" || log[0].Body != "hello" {
		t.Fatalf("unexpected log %+v", log)
	}

	// The stream echo of the same message must not duplicate it.
	if err := s.IngestLive(m); err != nil {
		t.Fatalf("IngestLive failed: %v", err)
	}
	if n := len(s.Conversation("u1")); n != 1 {
		t.Fatalf("expected echo to be deduplicated, got %d messages", n)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	s := store.New("me")
	server := newFakeServer()
	sender := NewSender(s, server, nil)

	for _, body := range []string{"", "   ", "\n\t"} {
		if _, err := sender.Send(context.Background(), "u1", body); !errors.Is(err, ErrEmptyBody) {
			t.Fatalf("expected ErrEmptyBody for %q, got %v", body, err)
		}
	}
	if len(server.sent) != 0 {
		t.Fatalf("expected no server calls, got %d", len(server.sent))
	}
}

func TestSendFailureLeavesStoreUntouched(t *testing.T) {
	s := store.New("me")
	server := newFakeServer()
	server.sendErr = errors.New("network down")
	sender := NewSender(s, server, nil)

	if _, err := sender.Send(context.Background(), "u1", "hello"); err == nil {
		t.Fatalf("expected send error")
	}
	if len(s.Peers()) != 0 {
		t.Fatalf("expected no local message on failure")
	}
}
