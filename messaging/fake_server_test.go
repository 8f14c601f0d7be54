package messaging

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"dmsync/models"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func msg(id, from, to string, minutes int) models.Message {
	return models.Message{ID: id, SenderID: from, ReceiverID: to, Body: "body " + id, TimeSent: at(minutes)}
}

// fakeServer is an in-memory Server. Stream connects hand out pipes whose
// writers are published on streams.
type fakeServer struct {
	mu sync.Mutex

	history       map[string][]models.Message
	historyErr    error
	historyCalls  []string
	conversations []models.ConversationSummary

	markReads   []string
	markReadErr error

	sendErr error
	sent    []models.Message
	nextID  int

	deleted   []string
	deleteErr error

	unread     models.UnreadCount
	unreadErr  error
	unreadHits int

	streamScript []error
	streams      chan *io.PipeWriter
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		history: make(map[string][]models.Message),
		streams: make(chan *io.PipeWriter, 16),
	}
}

func (f *fakeServer) MarkRead(ctx context.Context, senderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, senderID)
	return f.markReadErr
}

func (f *fakeServer) SendMessage(ctx context.Context, receiverID, body string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.nextID++
	m := models.Message{
		ID:         fmt.Sprintf("srv-%d", f.nextID),
		SenderID:   "me",
		ReceiverID: receiverID,
		Body:       body,
		TimeSent:   at(100 + f.nextID),
	}
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeServer) OpenStream(ctx context.Context, token string) (io.ReadCloser, error) {
	f.mu.Lock()
	var err error
	if len(f.streamScript) > 0 {
		err = f.streamScript[0]
		f.streamScript = f.streamScript[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r, w := io.Pipe()
	f.streams <- w
	return r, nil
}

func (f *fakeServer) History(ctx context.Context, otherUserID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, otherUserID)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]models.Message(nil), f.history[otherUserID]...), nil
}

func (f *fakeServer) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ConversationSummary(nil), f.conversations...), nil
}

func (f *fakeServer) DeleteConversation(ctx context.Context, otherUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, otherUserID)
	return nil
}

func (f *fakeServer) UnreadCount(ctx context.Context) (models.UnreadCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadHits++
	return f.unread, f.unreadErr
}

func (f *fakeServer) markReadCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReads...)
}

func (f *fakeServer) historyCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historyCalls)
}

func (f *fakeServer) historyPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.historyCalls...)
}

func (f *fakeServer) setConversations(conversations ...models.ConversationSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = conversations
}

func (f *fakeServer) setHistory(peerID string, messages ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[peerID] = messages
}

func (f *fakeServer) nextStream(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-f.streams:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream connect")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
