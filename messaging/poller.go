package messaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dmsync/api"
	"dmsync/models"
)

// DefaultUnreadPollInterval is how often the global unread badge is refreshed.
const DefaultUnreadPollInterval = 30 * time.Second

// UnreadSource reports the server's global unread total.
type UnreadSource interface {
	UnreadCount(ctx context.Context) (models.UnreadCount, error)
}

// UnreadPoller refreshes the global unread badge on a fixed interval.
type UnreadPoller struct {
	Source   UnreadSource
	Interval time.Duration
	Logger   *zap.Logger

	OnCount          func(models.UnreadCount)
	OnSessionExpired func()
}

// Run polls once immediately and then every Interval until ctx is done or
// the server rejects the token.
func (p *UnreadPoller) Run(ctx context.Context) error {
	if p.Source == nil {
		return errors.New("unread source is required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultUnreadPollInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("unread")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		count, err := p.Source.UnreadCount(ctx)
		switch {
		case err == nil:
			if p.OnCount != nil {
				p.OnCount(count)
			}
		case errors.Is(err, api.ErrUnauthorized):
			logger.Warn("unread poll rejected token")
			if p.OnSessionExpired != nil {
				p.OnSessionExpired()
			}
			return err
		case ctx.Err() != nil:
			return nil
		default:
			logger.Debug("unread poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
