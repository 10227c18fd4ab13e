// ABOUTME: Service is the conversation state engine: every message and state change flows through here
// ABOUTME: Writes commit in one transaction, then invalidate cached views, broadcast, and dispatch

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/cache"
	"github.com/2389/switchboard/internal/responder"
	"github.com/2389/switchboard/internal/store"
)

var (
	// ErrEmptyBody is returned when a message has neither text nor attachment.
	ErrEmptyBody = errors.New("message body is empty")
	// ErrInvalidOrigin is returned for an outbound message with a client origin.
	ErrInvalidOrigin = errors.New("invalid message origin")
	// ErrMissingExternalID is returned for inbound traffic without an identity.
	ErrMissingExternalID = errors.New("external id is required")
	// ErrEmptyTag is returned when a tag is blank after trimming.
	ErrEmptyTag = errors.New("tag is empty")
	// ErrNotAIHandled means an automated message arrived after the conversation
	// stopped being handled by the responder.
	ErrNotAIHandled = errors.New("conversation is not handled by the responder")
)

// DefaultDeliveryTimeout bounds one upstream delivery attempt.
const DefaultDeliveryTimeout = 10 * time.Second

// ConversationStore is the storage the engine needs: every query plus
// transactions for read-modify-write sequences.
type ConversationStore interface {
	store.Session
	InTx(ctx context.Context, fn func(store.Session) error) error
}

// Dispatcher obtains an automated answer. It never fails; problems come back
// as fallback responses.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *responder.Request) *responder.Response
}

// Sender delivers outbound traffic to the upstream platform.
type Sender interface {
	SendMessage(ctx context.Context, externalID, text string) error
	SendFile(ctx context.Context, externalID, path, filename string) error
}

// Broadcaster pushes events to observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) int
}

// TTLs sets how long each cached view lives.
type TTLs struct {
	Conversation time.Duration
	List         time.Duration
	Messages     time.Duration
	Stats        time.Duration
}

// Config wires the engine's collaborators. Store is required; a nil Cache
// gets a private in-memory cache, a nil Dispatcher disables automated
// answers, and a nil Sender or Hub turns delivery or broadcasting off.
type Config struct {
	Store           ConversationStore
	Cache           *cache.Layer
	Hub             Broadcaster
	Dispatcher      Dispatcher
	Sender          Sender
	Platform        string
	DeliveryTimeout time.Duration
	SendFallback    bool
	TTLs            TTLs
	Logger          *slog.Logger
}

// Inbound is one client message arriving from the upstream platform.
type Inbound struct {
	ExternalID    string
	Name          string
	Body          string
	Attachment    *store.Attachment
	SourceEventID int64 // 0 when the platform supplies no event id
}

// Service is the conversation state engine.
type Service struct {
	store           ConversationStore
	cache           *cache.Layer
	hub             Broadcaster
	dispatcher      Dispatcher
	sender          Sender
	platform        string
	deliveryTimeout time.Duration
	sendFallback    bool
	ttls            TTLs
	logger          *slog.Logger
	now             func() time.Time

	// dispatches run on ctx so Shutdown can cut them short.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the engine.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	layer := cfg.Cache
	if layer == nil {
		layer = cache.NewLayer(cache.NewMemoryBackend(0), logger)
	}
	ttls := cfg.TTLs
	if ttls.Conversation <= 0 {
		ttls.Conversation = cache.DefaultConversationTTL
	}
	if ttls.List <= 0 {
		ttls.List = cache.DefaultListTTL
	}
	if ttls.Messages <= 0 {
		ttls.Messages = cache.DefaultMessagesTTL
	}
	if ttls.Stats <= 0 {
		ttls.Stats = cache.DefaultStatsTTL
	}
	deliveryTimeout := cfg.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	platform := cfg.Platform
	if platform == "" {
		platform = "telegram"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:           cfg.Store,
		cache:           layer,
		hub:             cfg.Hub,
		dispatcher:      cfg.Dispatcher,
		sender:          cfg.Sender,
		platform:        platform,
		deliveryTimeout: deliveryTimeout,
		sendFallback:    cfg.SendFallback,
		ttls:            ttls,
		logger:          logger.With("component", "conversation"),
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// HandleInbound records a client message. The conversation is created on
// first contact, un-hidden, and its last-client-message time refreshed, all
// in one transaction. A message whose source event was already recorded is
// returned as-is with no further effects. When the conversation is handled
// by the responder, an automated answer is requested in the background.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (*store.Conversation, *store.Message, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return nil, nil, ErrMissingExternalID
	}
	body := messageBody(in.Body, in.Attachment)
	if body == "" {
		return nil, nil, ErrEmptyBody
	}

	var (
		conv      *store.Conversation
		msg       *store.Message
		count     int
		created   bool
		unhidden  bool
		duplicate bool
	)
	err := s.store.InTx(ctx, func(tx store.Session) error {
		// 1. Replayed events resolve to what was recorded the first time
		if in.SourceEventID != 0 {
			existing, err := tx.GetMessageBySourceEvent(ctx, in.SourceEventID)
			if err == nil {
				duplicate = true
				msg = existing
				conv, err = tx.GetConversation(ctx, existing.ConversationID)
				return err
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("checking source event: %w", err)
			}
		}

		// 2. Resolve or create the conversation
		var err error
		conv, created, err = s.resolveConversation(ctx, tx, in)
		if err != nil {
			return err
		}

		// 3. Record the message
		now := s.now()
		msg = &store.Message{
			ConversationID: conv.ID,
			Body:           body,
			Origin:         store.OriginClient,
			Attachment:     in.Attachment,
			CreatedAt:      now,
		}
		if in.SourceEventID != 0 {
			id := in.SourceEventID
			msg.SourceEventID = &id
		}
		if err := tx.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to record message: %w", err)
		}

		// 4. Client activity un-hides and restarts the silence clock
		unhidden = conv.Hidden
		conv.Hidden = false
		conv.LastClientMessageAt = &now
		if err := tx.UpdateConversation(ctx, conv); err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}

		count, err = tx.CountMessages(ctx, conv.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	if duplicate {
		s.logger.Debug("inbound message already recorded",
			"conversation_id", conv.ID,
			"source_event_id", in.SourceEventID)
		return conv, msg, nil
	}

	s.logger.Debug("inbound message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"state", conv.State)

	s.invalidate(ctx, conv.ID)
	s.broadcast(ctx, EventMessageCreated, NewMessageView(conv, msg))
	s.broadcast(ctx, EventConversationUpdated, NewConversationView(conv))
	if created || unhidden {
		s.broadcastStats(ctx)
	}

	if conv.AIEnabled() && s.dispatcher != nil {
		s.dispatchAsync(conv, msg, count)
	}
	return conv, msg, nil
}

// resolveConversation finds the conversation for in.ExternalID or creates it
// in the AI_ACTIVE state.
func (s *Service) resolveConversation(ctx context.Context, tx store.Session, in Inbound) (*store.Conversation, bool, error) {
	conv, err := tx.GetConversationByExternalID(ctx, in.ExternalID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.ExternalID
	}
	conv = &store.Conversation{
		ExternalID: in.ExternalID,
		Name:       name,
		Platform:   s.platform,
		State:      store.StateAIActive,
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		// Another writer created it between our lookup and insert
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := tx.GetConversationByExternalID(ctx, in.ExternalID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"external_id", conv.ExternalID)
	return conv, true, nil
}

// dispatchAsync requests an automated answer without blocking the caller.
func (s *Service) dispatchAsync(conv *store.Conversation, msg *store.Message, count int) {
	req := &responder.Request{
		ConversationID: conv.ID,
		ExternalID:     conv.ExternalID,
		Body:           msg.Body,
		Context: responder.RequestContext{
			ConversationID: conv.ID,
			ExternalID:     conv.ExternalID,
			Platform:       conv.Platform,
			MessageCount:   count,
		},
		Timestamp: msg.CreatedAt,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.dispatcher.Dispatch(s.ctx, req)
		s.applyResponse(s.ctx, conv.ID, resp)
	}()
}

// applyResponse records and delivers an automated answer, then honors a
// handover request.
func (s *Service) applyResponse(ctx context.Context, conversationID int64, resp *responder.Response) {
	if ctx.Err() != nil {
		return
	}
	if !resp.Success && !s.sendFallback {
		s.logger.Debug("fallback answer suppressed", "conversation_id", conversationID, "metadata", resp.Metadata)
		return
	}

	if _, err := s.HandleOutbound(ctx, conversationID, resp.Answer, store.OriginAutomated); err != nil {
		if errors.Is(err, ErrNotAIHandled) {
			s.logger.Info("discarding automated answer", "conversation_id", conversationID, "reason", err)
		} else {
			s.logger.Error("recording automated answer", "conversation_id", conversationID, "error", err)
		}
		return
	}

	if resp.Success && resp.HandoverRequested {
		if _, err := s.SetHandover(ctx, conversationID, true); err != nil {
			s.logger.Error("applying requested handover", "conversation_id", conversationID, "error", err)
		}
	}
}

// HandleOutbound records an automated or operator message and delivers it
// upstream. An operator message takes the conversation over from the
// responder. Delivery failures are logged; the record stands.
func (s *Service) HandleOutbound(ctx context.Context, conversationID int64, body string, origin store.Origin) (*store.Message, error) {
	if origin != store.OriginAutomated && origin != store.OriginOperator {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}

	conv, msg, err := s.recordOutbound(ctx, conversationID, body, origin, nil)
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, conv, "message", func(ctx context.Context) error {
		return s.sender.SendMessage(ctx, conv.ExternalID, body)
	})
	return msg, nil
}

// SendFile records an operator file message and uploads the file at path.
// The caller owns path and may remove it once SendFile returns.
func (s *Service) SendFile(ctx context.Context, conversationID int64, path, filename string) (*store.Message, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, ErrEmptyBody
	}

	attachment := &store.Attachment{Kind: "document", FileName: filename}
	conv, msg, err := s.recordOutbound(ctx, conversationID, "[file: "+filename+"]", store.OriginOperator, attachment)
	if err != nil {
		return nil, err
	}

	s.deliver(ctx, conv, "file", func(ctx context.Context) error {
		return s.sender.SendFile(ctx, conv.ExternalID, path, filename)
	})
	return msg, nil
}

// recordOutbound persists an outbound message and applies the operator
// takeover in the same transaction.
func (s *Service) recordOutbound(ctx context.Context, conversationID int64, body string, origin store.Origin, attachment *store.Attachment) (*store.Conversation, *store.Message, error) {
	var (
		conv    *store.Conversation
		msg     *store.Message
		changed bool
	)
	err := s.store.InTx(ctx, func(tx store.Session) error {
		c, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("conversation %d: %w", conversationID, err)
		}
		if origin == store.OriginAutomated && !c.AIEnabled() {
			return ErrNotAIHandled
		}

		msg = &store.Message{
			ConversationID: c.ID,
			Body:           body,
			Origin:         origin,
			Attachment:     attachment,
			CreatedAt:      s.now(),
		}
		if err := tx.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to record message: %w", err)
		}

		if origin == store.OriginOperator {
			if next := c.State.OperatorClaim(); next != c.State {
				c.State = next
				changed = true
				if err := tx.UpdateConversation(ctx, c); err != nil {
					return fmt.Errorf("updating conversation: %w", err)
				}
			}
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("outbound message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"origin", origin)

	s.invalidate(ctx, conv.ID)
	s.broadcast(ctx, EventMessageCreated, NewMessageView(conv, msg))
	if changed {
		s.logger.Info("operator took over conversation", "conversation_id", conv.ID, "state", conv.State)
		s.broadcast(ctx, EventConversationUpdated, NewConversationView(conv))
		s.broadcastStats(ctx)
	}
	return conv, msg, nil
}

// deliver makes one bounded delivery attempt and logs the outcome.
func (s *Service) deliver(ctx context.Context, conv *store.Conversation, kind string, send func(context.Context) error) {
	if s.sender == nil {
		s.logger.Debug("no sender configured, skipping delivery", "conversation_id", conv.ID)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deliveryTimeout)
	defer cancel()

	if err := send(sendCtx); err != nil {
		s.logger.Warn("upstream delivery failed",
			"conversation_id", conv.ID,
			"external_id", conv.ExternalID,
			"kind", kind,
			"error", err)
	}
}

// SetHandover raises (awaiting=true) or clears the request for a human.
func (s *Service) SetHandover(ctx context.Context, conversationID int64, awaiting bool) (*store.Conversation, error) {
	return s.transition(ctx, conversationID, func(c *store.Conversation) bool {
		next := c.State.Handover(awaiting)
		if next == c.State {
			return false
		}
		c.State = next
		return true
	})
}

// SetAIEnabled hands the conversation to the responder or to an operator.
func (s *Service) SetAIEnabled(ctx context.Context, conversationID int64, enabled bool) (*store.Conversation, error) {
	return s.transition(ctx, conversationID, func(c *store.Conversation) bool {
		next := c.State.WithAI(enabled)
		if next == c.State {
			return false
		}
		c.State = next
		return true
	})
}

// transition applies a state change and announces it.
func (s *Service) transition(ctx context.Context, conversationID int64, fn func(*store.Conversation) bool) (*store.Conversation, error) {
	conv, changed, err := s.mutate(ctx, conversationID, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("conversation state changed", "conversation_id", conv.ID, "state", conv.State)
		s.broadcast(ctx, EventConversationUpdated, NewConversationView(conv))
		s.broadcastStats(ctx)
	}
	return conv, nil
}

// Hide removes the conversation from the default listing until the client
// writes again.
func (s *Service) Hide(ctx context.Context, conversationID int64) (*store.Conversation, error) {
	conv, changed, err := s.mutate(ctx, conversationID, func(c *store.Conversation) bool {
		if c.Hidden {
			return false
		}
		c.Hidden = true
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.broadcast(ctx, EventConversationHidden, NewConversationView(conv))
		s.broadcastStats(ctx)
	}
	return conv, nil
}

// AddTag labels the conversation. Adding a present tag is a no-op.
func (s *Service) AddTag(ctx context.Context, conversationID int64, tag string) (*store.Conversation, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, ErrEmptyTag
	}
	return s.retag(ctx, conversationID, func(c *store.Conversation) bool {
		if c.HasTag(tag) {
			return false
		}
		c.Tags = append(c.Tags, tag)
		return true
	})
}

// RemoveTag drops a label. Removing an absent tag is a no-op.
func (s *Service) RemoveTag(ctx context.Context, conversationID int64, tag string) (*store.Conversation, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, ErrEmptyTag
	}
	return s.retag(ctx, conversationID, func(c *store.Conversation) bool {
		kept := c.Tags[:0:0]
		for _, t := range c.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		if len(kept) == len(c.Tags) {
			return false
		}
		c.Tags = kept
		return true
	})
}

func (s *Service) retag(ctx context.Context, conversationID int64, fn func(*store.Conversation) bool) (*store.Conversation, error) {
	conv, changed, err := s.mutate(ctx, conversationID, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		s.broadcast(ctx, EventConversationUpdated, NewConversationView(conv))
	}
	return conv, nil
}

// ReactivateIfSilent returns a conversation awaiting a manager to the
// responder when the client has been silent since before cutoff. The
// condition is re-checked inside the transaction so a message that arrived
// after the candidate was selected wins.
func (s *Service) ReactivateIfSilent(ctx context.Context, conversationID int64, cutoff time.Time) (bool, error) {
	conv, changed, err := s.mutate(ctx, conversationID, func(c *store.Conversation) bool {
		if !c.AwaitingManager() || c.LastClientMessageAt == nil || !c.LastClientMessageAt.Before(cutoff) {
			return false
		}
		c.State = c.State.Reactivate()
		return true
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("conversation reactivated",
			"conversation_id", conv.ID,
			"silent_since", conv.LastClientMessageAt)
		s.broadcast(ctx, EventConversationUpdated, NewConversationView(conv))
		s.broadcastStats(ctx)
	}
	return changed, nil
}

// mutate runs a read-modify-write on one conversation inside a transaction.
// fn reports whether it changed anything; unchanged conversations are not
// written and no cache entries are dropped.
func (s *Service) mutate(ctx context.Context, conversationID int64, fn func(*store.Conversation) bool) (*store.Conversation, bool, error) {
	var (
		conv    *store.Conversation
		changed bool
	)
	err := s.store.InTx(ctx, func(tx store.Session) error {
		c, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("conversation %d: %w", conversationID, err)
		}
		conv = c
		if !fn(c) {
			return nil
		}
		changed = true
		if err := tx.UpdateConversation(ctx, c); err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.invalidate(ctx, conversationID)
	}
	return conv, changed, nil
}

// Conversation returns one conversation, read through the cache.
func (s *Service) Conversation(ctx context.Context, conversationID int64) (*store.Conversation, error) {
	conv, err := cache.Load(ctx, s.cache, cache.ConversationKey(conversationID), s.ttls.Conversation,
		func(ctx context.Context) (*store.Conversation, error) {
			return s.store.GetConversation(ctx, conversationID)
		})
	if err != nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, err)
	}
	return conv, nil
}

// Conversations lists conversations with their latest activity, most recent
// first. Hidden conversations are included only on request.
func (s *Service) Conversations(ctx context.Context, includeHidden bool) ([]*store.ConversationSummary, error) {
	key := cache.ConversationsKey
	if includeHidden {
		key = cache.HiddenConversationsKey
	}
	return cache.Load(ctx, s.cache, key, s.ttls.List,
		func(ctx context.Context) ([]*store.ConversationSummary, error) {
			return s.store.ListConversations(ctx, store.ListOptions{IncludeHidden: includeHidden})
		})
}

// Messages returns a conversation's messages oldest first.
func (s *Service) Messages(ctx context.Context, conversationID int64) ([]*store.Message, error) {
	if _, err := s.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return cache.Load(ctx, s.cache, cache.MessagesKey(conversationID), s.ttls.Messages,
		func(ctx context.Context) ([]*store.Message, error) {
			return s.store.ListMessages(ctx, conversationID)
		})
}

// Stats returns conversation counts per state.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return cache.Load(ctx, s.cache, cache.StatsKey, s.ttls.Stats, s.store.Stats)
}

// Wait blocks until every background dispatch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for background dispatches. If ctx expires first, the
// remaining dispatches are cancelled and their answers dropped.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) invalidate(ctx context.Context, conversationID int64) {
	s.cache.Invalidate(ctx, cache.ConversationKeys(conversationID)...)
}

func (s *Service) broadcast(ctx context.Context, typ EventType, data any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ctx, Event{Type: typ, Data: data, Timestamp: s.now().UTC()})
}

func (s *Service) broadcastStats(ctx context.Context) {
	if s.hub == nil {
		return
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Warn("loading stats for broadcast", "error", err)
		return
	}
	s.broadcast(ctx, EventStatsUpdated, stats)
}

// messageBody combines caption text with a placeholder for the attachment.
func messageBody(text string, attachment *store.Attachment) string {
	text = strings.TrimSpace(text)
	if attachment == nil {
		return text
	}

	var placeholder string
	switch attachment.Kind {
	case "document":
		placeholder = "[document]"
		if attachment.FileName != "" {
			placeholder = "[document: " + attachment.FileName + "]"
		}
	case "sticker":
		placeholder = "[sticker]"
		if attachment.FileName != "" {
			placeholder = "[sticker " + attachment.FileName + "]"
		}
	case "voice":
		placeholder = "[voice message]"
	case "":
		placeholder = "[attachment]"
	default:
		placeholder = "[" + attachment.Kind + "]"
	}

	if text == "" {
		return placeholder
	}
	return placeholder + " " + text
}
