package messaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dmsync/metrics"
	"dmsync/models"
	"dmsync/store"
)

// ReadMarker acknowledges read messages on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, senderID string) error
}

// Reconciler decides when messages become read, locally first and then on
// the server. A failed server call never rolls back the local read state;
// the next open of the conversation retries it.
type Reconciler struct {
	store  *store.Store
	server ReadMarker
	active *ActiveConversation
	now    func() time.Time
	logger *zap.Logger
}

// NewReconciler creates a Reconciler. active is shared with whoever opens and
// closes conversations.
func NewReconciler(s *store.Store, server ReadMarker, active *ActiveConversation, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  s,
		server: server,
		active: active,
		now:    time.Now,
		logger: logger.Named("reconciler"),
	}
}

// OnConversationOpened marks every message from peerID read and acknowledges it.
func (r *Reconciler) OnConversationOpened(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("peer id is required")
	}
	r.store.MarkRead(peerID, r.now())
	return r.acknowledge(ctx, peerID)
}

// OnLiveMessageArrived marks message read when its sender's conversation is
// open. It reports whether the message was treated as read.
func (r *Reconciler) OnLiveMessageArrived(ctx context.Context, message models.Message) (bool, error) {
	if message.SenderID == r.store.SelfID() || !r.active.Is(message.SenderID) {
		return false, nil
	}
	r.store.MarkRead(message.SenderID, message.TimeSent)
	return true, r.acknowledge(ctx, message.SenderID)
}

func (r *Reconciler) acknowledge(ctx context.Context, senderID string) error {
	if err := r.server.MarkRead(ctx, senderID); err != nil {
		metrics.MarkReadFailures.Inc()
		r.logger.Warn("server mark-read failed; keeping local read state",
			zap.String("peer_id", senderID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
