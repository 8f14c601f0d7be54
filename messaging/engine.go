package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"dmsync/models"
	"dmsync/store"
	"dmsync/stream"
)

// Server is everything the engine needs from the messaging API. api.Client
// implements it.
type Server interface {
	ReadMarker
	MessageSender
	stream.Transport
	History(ctx context.Context, otherUserID string) ([]models.Message, error)
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
	DeleteConversation(ctx context.Context, otherUserID string) error
	UnreadCount(ctx context.Context) (models.UnreadCount, error)
}

// Cache persists the store between sessions so the UI can show something
// before the network answers. storage.Store implements it.
type Cache interface {
	LoadConversations(ownerID string) (map[string][]models.Message, error)
	ReplaceConversation(ownerID, peerID string, messages []models.Message) error
	DeleteConversation(ownerID, peerID string) error
	UpsertPeer(peerID, username string) error
	PeerUsernames() (map[string]string, error)
}

// EngineOptions configures one messaging session.
type EngineOptions struct {
	SelfID string
	Token  string
	Server Server
	// Cache is optional.
	Cache  Cache
	Logger *zap.Logger
	Stream stream.Options

	OnSummaries      func([]models.ConversationSummary)
	OnSessionExpired func()
}

// Engine wires the store, stream, reconciler, aggregator and sender of one
// authenticated session. Only one stream handle exists per Engine.
type Engine struct {
	opts   EngineOptions
	logger *zap.Logger

	store      *store.Store
	active     *ActiveConversation
	reconciler *Reconciler
	aggregator *Aggregator
	sender     *Sender

	mu          sync.Mutex
	started     bool
	client      *stream.Client
	cancel      context.CancelFunc
	unsubscribe func()

	// cacheMu orders write-through so an older snapshot never overwrites a newer one.
	cacheMu sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine validates options and builds an idle engine.
func NewEngine(options EngineOptions) (*Engine, error) {
	if options.SelfID == "" {
		return nil, errors.New("self id is required")
	}
	if options.Token == "" {
		return nil, errors.New("token is required")
	}
	if options.Server == nil {
		return nil, errors.New("server is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := store.New(options.SelfID)
	active := &ActiveConversation{}
	return &Engine{
		opts:       options,
		logger:     logger.Named("engine"),
		store:      s,
		active:     active,
		reconciler: NewReconciler(s, options.Server, active, logger),
		aggregator: NewAggregator(s, options.OnSummaries),
		sender:     NewSender(s, options.Server, logger),
	}, nil
}

// Store exposes the message store for read access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Start hydrates the store from the cache, opens the stream and begins
// pumping live messages. It fails when the stream rejects the token.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.hydrate()
	var unsubscribe func()
	if e.opts.Cache != nil {
		unsubscribe = e.store.Subscribe(e.writeThrough)
	}

	runCtx, cancel := context.WithCancel(ctx)
	streamOpts := e.opts.Stream
	if streamOpts.Logger == nil {
		streamOpts.Logger = e.logger
	}
	userReconnect := streamOpts.OnReconnect
	streamOpts.OnReconnect = func(ctx context.Context) {
		e.healGap(ctx)
		if userReconnect != nil {
			userReconnect(ctx)
		}
	}

	client, err := stream.Open(runCtx, e.opts.Token, e.opts.Server, streamOpts)
	if err != nil {
		cancel()
		if unsubscribe != nil {
			unsubscribe()
		}
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("open stream: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.cancel = cancel
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.wg.Add(2)
	go e.pump(runCtx, client)
	go e.watchSession(client)

	if err := e.RefreshConversations(runCtx); err != nil {
		e.logger.Warn("conversation directory refresh failed", zap.Error(err))
	}
	return nil
}

// Stop closes the stream and releases the engine. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		client, cancel := e.client, e.cancel
		e.mu.Unlock()

		if client != nil {
			_ = client.Close()
		}
		if cancel != nil {
			cancel()
		}
		e.wg.Wait()

		e.mu.Lock()
		if e.unsubscribe != nil {
			e.unsubscribe()
			e.unsubscribe = nil
		}
		e.mu.Unlock()
		e.aggregator.Close()
	})
}

// StreamState returns the state of the session's stream.
func (e *Engine) StreamState() stream.State {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return stream.StateDisconnected
	}
	return client.State()
}

// OpenConversation makes peerID the open conversation, refreshes its history
// and marks it read. A failed history fetch leaves the cached log in place.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.New("peer id is required")
	}
	e.active.Open(peerID)

	historyErr := e.loadHistory(ctx, peerID)
	readErr := e.reconciler.OnConversationOpened(ctx, peerID)
	return errors.Join(historyErr, readErr)
}

// CloseConversation records that no conversation is open.
func (e *Engine) CloseConversation() {
	e.active.Clear()
}

// ActivePeer returns the open conversation's peer, or "".
func (e *Engine) ActivePeer() string {
	return e.active.PeerID()
}

// Send sends body to peerID through the send pipeline.
func (e *Engine) Send(ctx context.Context, peerID, body string) (models.Message, error) {
	return e.sender.Send(ctx, peerID, body)
}

// DeleteConversation deletes the conversation on the server, then purges it locally.
func (e *Engine) DeleteConversation(ctx context.Context, peerID string) error {
	if err := e.opts.Server.DeleteConversation(ctx, peerID); err != nil {
		return err
	}
	e.store.Purge(peerID)
	if e.active.Is(peerID) {
		e.active.Clear()
	}
	return nil
}

// RefreshConversations reads the server's conversation list, records peer
// usernames and loads history for every listed peer whose log is missing
// locally or older than the server's last message.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	conversations, err := e.opts.Server.Conversations(ctx)
	if err != nil {
		return err
	}

	usernames := make(map[string]string, len(conversations))
	for _, c := range conversations {
		if c.PeerUserID == "" {
			continue
		}
		usernames[c.PeerUserID] = c.PeerUsername
		if e.opts.Cache != nil {
			if err := e.opts.Cache.UpsertPeer(c.PeerUserID, c.PeerUsername); err != nil {
				e.logger.Warn("cache peer failed", zap.String("peer_id", c.PeerUserID), zap.Error(err))
			}
		}
	}
	e.aggregator.SetUsernames(usernames)

	var errs []error
	for _, c := range conversations {
		if c.PeerUserID == "" || !e.isStale(c) {
			continue
		}
		if err := e.loadHistory(ctx, c.PeerUserID); err != nil {
			e.logger.Warn("history load failed", zap.String("peer_id", c.PeerUserID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isStale reports whether the local log for a listed conversation is behind the server.
func (e *Engine) isStale(summary models.ConversationSummary) bool {
	log := e.store.Conversation(summary.PeerUserID)
	if len(log) == 0 {
		return true
	}
	return summary.LastMessageTime.After(log[len(log)-1].TimeSent)
}

// Summaries returns the current conversation list.
func (e *Engine) Summaries() []models.ConversationSummary {
	return e.aggregator.Summaries()
}

// UnreadCount returns the server's global unread total.
func (e *Engine) UnreadCount(ctx context.Context) (models.UnreadCount, error) {
	return e.opts.Server.UnreadCount(ctx)
}

func (e *Engine) pump(ctx context.Context, client *stream.Client) {
	defer e.wg.Done()
	for message := range client.Events() {
		if err := e.store.IngestLive(message); err != nil {
			e.logger.Warn("dropping live message", zap.String("message_id", message.ID), zap.Error(err))
			continue
		}
		// Failures are logged by the reconciler and retried on next open.
		_, _ = e.reconciler.OnLiveMessageArrived(ctx, message)
	}
}

func (e *Engine) watchSession(client *stream.Client) {
	defer e.wg.Done()
	<-client.Done()
	if errors.Is(client.Err(), stream.ErrSessionExpired) {
		e.logger.Warn("session expired")
		if e.opts.OnSessionExpired != nil {
			e.opts.OnSessionExpired()
		}
	}
}

// healGap brings the store up to date after a reconnect; messages pushed
// while the stream was down are only recoverable from the server's lists.
func (e *Engine) healGap(ctx context.Context) {
	if err := e.RefreshConversations(ctx); err != nil {
		e.logger.Warn("conversation refresh after reconnect failed", zap.Error(err))
	}

	peerID := e.active.PeerID()
	if peerID == "" {
		return
	}
	if err := e.loadHistory(ctx, peerID); err != nil {
		e.logger.Warn("history refetch after reconnect failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (e *Engine) loadHistory(ctx context.Context, peerID string) error {
	messages, err := e.opts.Server.History(ctx, peerID)
	if err != nil {
		return err
	}
	return e.store.IngestHistory(peerID, messages)
}

func (e *Engine) hydrate() {
	if e.opts.Cache == nil {
		return
	}

	conversations, err := e.opts.Cache.LoadConversations(e.opts.SelfID)
	if err != nil {
		e.logger.Warn("load cached conversations failed", zap.Error(err))
	}
	for peerID, messages := range conversations {
		if err := e.store.IngestHistory(peerID, messages); err != nil {
			e.logger.Warn("hydrate conversation failed", zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	usernames, err := e.opts.Cache.PeerUsernames()
	if err != nil {
		e.logger.Warn("load cached peers failed", zap.Error(err))
		return
	}
	e.aggregator.SetUsernames(usernames)
}

func (e *Engine) writeThrough(change store.Change) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	log := e.store.Conversation(change.PeerID)
	var err error
	if len(log) == 0 {
		err = e.opts.Cache.DeleteConversation(e.opts.SelfID, change.PeerID)
	} else {
		err = e.opts.Cache.ReplaceConversation(e.opts.SelfID, change.PeerID, log)
	}
	if err != nil {
		e.logger.Warn("cache write failed",
			zap.String("peer_id", change.PeerID),
			zap.String("change", string(change.Kind)),
			zap.Error(err),
		)
	}
}
