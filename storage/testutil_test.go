package storage

import (
	"testing"
	"time"

	"dmsync/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

var epoch = time.Date(2025, 5, 1, 9, 30, 0, 123456789, time.UTC)

func cachedMessage(id, from, to string, offset time.Duration) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Body:       "body " + id,
		TimeSent:   epoch.Add(offset),
	}
}
