package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dmsync/metrics"
	"dmsync/models"
	"dmsync/store"
)

// ErrEmptyBody indicates a send with an empty or whitespace-only body.
var ErrEmptyBody = errors.New("messaging: message body is empty")

// MessageSender creates messages on the server.
type MessageSender interface {
	SendMessage(ctx context.Context, receiverID, body string) (models.Message, error)
}

// Sender is the outgoing message pipeline.
type Sender struct {
	store  *store.Store
	server MessageSender
	logger *zap.Logger
}

// NewSender creates a Sender writing confirmed messages into s.
func NewSender(s *store.Store, server MessageSender, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{store: s, server: server, logger: logger.Named("sender")}
}

// Send creates a message for peerID and folds the server's record into the
// Store. Failures leave the Store untouched and are not retried, since a
// retry without an idempotency key could duplicate the message.
func (s *Sender) Send(ctx context.Context, peerID, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}
	if peerID == "" {
		return models.Message{}, errors.New("peer id is required")
	}

	message, err := s.server.SendMessage(ctx, peerID, body)
	if err != nil {
		metrics.SendFailures.Inc()
		return models.Message{}, err
	}
	if message.ID == "" {
		metrics.SendFailures.Inc()
		return models.Message{}, fmt.Errorf("send message to %q: server returned no id", peerID)
	}
	metrics.MessagesSent.Inc()

	if err := s.store.IngestSent(message); err != nil {
		s.logger.Error("store rejected sent message", zap.String("message_id", message.ID), zap.Error(err))
		return message, fmt.Errorf("record sent message %q: %w", message.ID, err)
	}
	return message, nil
}
