package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dmsync/api"
	"dmsync/models"
)

func TestUnreadPollerPollsUntilCancelled(t *testing.T) {
	server := newFakeServer()
	server.unread = models.UnreadCount{UnreadCount: 3, HasUnread: true}

	counts := make(chan models.UnreadCount, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := &UnreadPoller{
		Source:   server,
		Interval: 10 * time.Millisecond,
		OnCount:  func(c models.UnreadCount) { counts <- c },
	}
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case c := <-counts:
			if c.UnreadCount != 3 || !c.HasUnread {
				t.Fatalf("unexpected count %+v", c)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for poll %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop on cancel")
	}
}

func TestUnreadPollerStopsOnRejectedToken(t *testing.T) {
	server := newFakeServer()
	server.unreadErr = fmt.Errorf("get unread count: %w", api.ErrUnauthorized)

	expired := false
	p := &UnreadPoller{
		Source:           server,
		Interval:         10 * time.Millisecond,
		OnSessionExpired: func() { expired = true },
	}
	if err := p.Run(context.Background()); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !expired {
		t.Fatalf("expected session expiry callback")
	}
	if server.unreadHits != 1 {
		t.Fatalf("expected a single poll, got %d", server.unreadHits)
	}
}

func TestUnreadPollerToleratesTransientErrors(t *testing.T) {
	server := newFakeServer()
	server.unreadErr = errors.New("503")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p := &UnreadPoller{Source: server, Interval: 10 * time.Millisecond}
	if err := p.Run(ctx); err != nil {
		t.Fatalf("expected transient errors to be swallowed, got %v", err)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.unreadHits < 2 {
		t.Fatalf("expected polling to continue after errors, got %d polls", server.unreadHits)
	}
}
