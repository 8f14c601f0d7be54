// Package stream maintains the authenticated, long-lived message stream of a
// session and decodes its body into messages.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dmsync/api"
	"dmsync/metrics"
	"dmsync/models"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitter         = 0.2
	DefaultReadSize       = 4 * 1024
	DefaultEventBuffer    = 64
)

var (
	// ErrMissingToken indicates Open was called without a bearer token.
	ErrMissingToken = errors.New("stream: token is required")
	// ErrSessionExpired indicates the server rejected the token; the session must re-authenticate.
	ErrSessionExpired = errors.New("stream: session expired")
)

// State is the lifecycle state of a stream session.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateStreaming    State = "STREAMING"
	StateBackoff      State = "BACKOFF"
	StateClosed       State = "CLOSED"
)

// Transport opens the raw stream body. api.Client implements it.
type Transport interface {
	OpenStream(ctx context.Context, token string) (io.ReadCloser, error)
}

// Options controls reconnect and delivery behavior.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor applied to each delay (0.2 = ±20%).
	Jitter      float64
	ReadSize    int
	EventBuffer int
	Logger      *zap.Logger

	// OnStateChange observes every transition.
	OnStateChange func(State)
	// OnReconnect runs after each successful reconnect, before events resume.
	OnReconnect func(ctx context.Context)
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = DefaultJitter
	}
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Client is one stream session handle. Events are delivered in arrival order.
type Client struct {
	token     string
	transport Transport
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.RWMutex
	state   State

	bodyMu sync.Mutex
	body   io.ReadCloser

	lastEvent atomic.Int64

	events chan models.Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Open connects to the stream with token. It fails without retrying when the
// token is empty or the first request is rejected as unauthorized; any other
// first-attempt failure leaves the handle in Backoff, retrying on its own.
func Open(ctx context.Context, token string, transport Transport, options Options) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if transport == nil {
		return nil, errors.New("stream: transport is required")
	}

	opts := options.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		token:     token,
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.Named("stream"),
		ctx:       runCtx,
		cancel:    cancel,
		state:     StateDisconnected,
		events:    make(chan models.Message, opts.EventBuffer),
		closed:    make(chan struct{}),
	}

	c.setState(StateConnecting)
	body, err := transport.OpenStream(runCtx, token)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			cancel()
			c.setState(StateClosed)
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		c.logger.Warn("initial stream connect failed", zap.Error(err))
		body = nil
	} else {
		c.setState(StateStreaming)
	}

	// Cancelling the parent context must also unblock a pending body read.
	context.AfterFunc(runCtx, func() { c.closeWithError(nil) })
	go c.run(body)
	return c, nil
}

// Events returns the inbound message channel. It is closed once the client is closed.
func (c *Client) Events() <-chan models.Message {
	return c.events
}

// State returns the current session state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns ErrSessionExpired if the session ended on an auth failure, nil otherwise.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// LastEventTime returns when the last message was decoded, or the zero time.
func (c *Client) LastEventTime() time.Time {
	nanos := c.lastEvent.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Close aborts the in-flight read and stops reconnecting. Safe to call more than once.
func (c *Client) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Client) run(body io.ReadCloser) {
	defer close(c.events)

	policy := c.newBackOff()
	for {
		if body != nil {
			err := c.consume(body)
			if c.ctx.Err() != nil {
				c.closeWithError(nil)
				return
			}
			if err != nil {
				c.logger.Warn("stream read failed", zap.Error(err))
			} else {
				c.logger.Info("stream ended by server")
			}
		}

		c.setState(StateBackoff)
		delay := policy.NextBackOff()
		c.logger.Debug("stream backoff", zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.closeWithError(nil)
			return
		}

		c.setState(StateConnecting)
		next, err := c.transport.OpenStream(c.ctx, c.token)
		if err != nil {
			if c.ctx.Err() != nil {
				c.closeWithError(nil)
				return
			}
			if errors.Is(err, api.ErrUnauthorized) {
				c.logger.Warn("stream rejected token", zap.Error(err))
				c.closeWithError(ErrSessionExpired)
				return
			}
			c.logger.Warn("stream reconnect failed", zap.Error(err))
			body = nil
			continue
		}

		policy.Reset()
		body = next
		c.setState(StateStreaming)
		metrics.StreamReconnects.Inc()
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect(c.ctx)
		}
	}
}

// consume reads body until it fails or ends, emitting every decoded message.
func (c *Client) consume(body io.ReadCloser) error {
	c.setBody(body)
	defer func() {
		c.setBody(nil)
		_ = body.Close()
	}()

	var decoder Decoder
	chunk := make([]byte, c.opts.ReadSize)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			frames, err := decoder.Feed(chunk[:n])
			for _, payload := range frames {
				if !c.emit(payload) {
					return c.ctx.Err()
				}
			}
			if err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// emit decodes one payload and delivers it. It returns false once the client is closing.
func (c *Client) emit(payload []byte) bool {
	var message models.Message
	if err := json.Unmarshal(payload, &message); err != nil || message.ID == "" {
		metrics.StreamMalformedFrames.Inc()
		c.logger.Warn("dropping malformed stream frame",
			zap.Error(err),
			zap.Int("size", len(payload)),
		)
		return true
	}

	c.lastEvent.Store(time.Now().UnixNano())
	metrics.StreamFrames.Inc()
	select {
	case c.events <- message:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.MaxInterval = c.opts.MaxBackoff
	policy.RandomizationFactor = c.opts.Jitter
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (c *Client) setBody(body io.ReadCloser) {
	c.bodyMu.Lock()
	defer c.bodyMu.Unlock()
	c.body = body
	// Close may have run before the body was registered.
	if body != nil && c.ctx.Err() != nil {
		_ = body.Close()
	}
}

func (c *Client) setState(state State) {
	c.stateMu.Lock()
	if c.state == state || c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.state = state
	c.stateMu.Unlock()

	metrics.StreamTransitions.WithLabelValues(string(state)).Inc()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.cancel()
		c.bodyMu.Lock()
		if c.body != nil {
			_ = c.body.Close()
		}
		c.bodyMu.Unlock()

		c.setState(StateClosed)
		close(c.closed)
	})
}
