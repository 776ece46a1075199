// Package sync keeps the local message cache consistent with the server:
// optimistic sends, server acknowledgement reconciliation, history fetching
// with local fallback, and retry of failed sends.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mistnote/mistnote/internal/bus"
	"github.com/mistnote/mistnote/internal/identity"
	"github.com/mistnote/mistnote/internal/remote"
	"github.com/mistnote/mistnote/internal/store"
	"github.com/mistnote/mistnote/internal/transport"
	"github.com/mistnote/mistnote/internal/wire"
)

// ErrDelivery marks a send that did not reach the server. The optimistic
// record stays in the cache as failed/pending and Retry will pick it up.
var ErrDelivery = errors.New("message delivery failed")

// Emitter is the realtime channel the engine talks through.
type Emitter interface {
	Emit(event string, payload any) error
	On(event string, h transport.Handler)
	Connected() bool
}

// HistoryFetcher is the REST fallback for conversation history.
type HistoryFetcher interface {
	History(ctx context.Context, peerID string, page, pageSize int) ([]remote.Message, error)
}

// Engine owns one identity's message state. All mutation of the in-memory
// conversation cache goes through its mutex; handlers run on the transport's
// dispatch goroutine.
type Engine struct {
	self    identity.Identity
	db      *store.DB
	emitter Emitter
	api     HistoryFetcher
	bus     *bus.Bus
	logger  *zap.Logger

	group singleflight.Group

	mu    gosync.RWMutex
	convs map[string][]store.Message // sorted ascending by CreatedAt
}

// NewEngine creates the engine and registers its transport handlers.
func NewEngine(self identity.Identity, db *store.DB, emitter Emitter, api HistoryFetcher, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		self:    self,
		db:      db,
		emitter: emitter,
		api:     api,
		bus:     b,
		logger:  logger,
		convs:   make(map[string][]store.Message),
	}
	emitter.On(wire.EventNewMessage, e.handleNewMessage)
	emitter.On(wire.EventMessageSent, e.handleMessageSent)
	emitter.On(wire.EventMessageError, e.handleMessageError)
	emitter.On(wire.EventMessageRead, e.handleMessagesRead)
	emitter.On(wire.EventReceivedLike, e.handleReceivedLike)
	emitter.On(transport.EventConnected, func(json.RawMessage) {
		e.publish("session.connected", nil)
	})
	emitter.On(transport.EventDisconnected, func(json.RawMessage) {
		e.publish("session.disconnected", nil)
	})
	return e
}

// SendMessage persists an optimistic record and emits it. The returned
// message carries the TempID used for correlation. On delivery failure the
// record is kept as failed/pending and the error wraps ErrDelivery.
func (e *Engine) SendMessage(receiverRaw, content, kind string) (*store.Message, error) {
	receiver, err := identity.ParseWith(receiverRaw, e.db)
	if err != nil {
		return nil, err
	}
	key, err := identity.ConversationKey(e.self, receiver)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = "text"
	}

	msg := &store.Message{
		ConversationKey: key,
		TempID:          uuid.New().String(),
		SenderID:        e.self.String(),
		ReceiverID:      receiver.String(),
		Content:         content,
		Kind:            kind,
		CreatedAt:       time.Now().UnixMilli(),
		DeliveryState:   store.StateSending,
		SyncStatus:      store.SyncPending,
	}
	if err := e.db.InsertOptimistic(msg); err != nil {
		// Cache write failure downgrades to memory-only, the send itself
		// still goes out.
		e.logger.Warn("optimistic insert failed", zap.Error(err))
	}
	e.cachePut(key, *msg)
	e.publish("message.sending", *msg)

	if err := e.emitter.Emit(wire.EventSendMessage, wire.SendMessage{
		TempID:     msg.TempID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Kind:       msg.Kind,
	}); err != nil {
		e.failSend(msg.TempID, key)
		return msg, fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return msg, nil
}

// MarkAsRead marks the peer's messages as read locally and tells the server.
// An empty ids slice covers everything unread in the conversation. The emit
// is best effort.
func (e *Engine) MarkAsRead(peerRaw string, ids []string) error {
	peer, err := identity.ParseWith(peerRaw, e.db)
	if err != nil {
		return err
	}
	key, err := identity.ConversationKey(e.self, peer)
	if err != nil {
		return err
	}
	if err := e.db.MarkMessagesRead(key, peer.String(), ids); err != nil {
		e.logger.Warn("local mark read failed", zap.Error(err))
	}
	e.cacheMarkRead(key, peer.String(), ids)

	if err := e.emitter.Emit(wire.EventMarkAsRead, wire.MarkAsRead{
		SenderID:   peer.String(),
		MessageIDs: ids,
	}); err != nil {
		e.logger.Info("mark_as_read not sent", zap.Error(err))
	}
	return nil
}

// SendLike sends a like to peerRaw. Likes carry no local state; the server
// echoes like_sent on success.
func (e *Engine) SendLike(peerRaw string) error {
	peer, err := identity.ParseWith(peerRaw, e.db)
	if err != nil {
		return err
	}
	return e.emitter.Emit(wire.EventSendLike, wire.SendLike{TargetID: peer.String()})
}

// GetHistory returns the conversation with peerRaw in chronological order.
// Page 1 is served from the in-memory cache when warm; otherwise the server
// is asked, with concurrent requests for the same page coalesced. Rate
// limiting and network failures fall back to the local cache when it has
// anything to show; ErrNotFound and ErrUnauthorized surface immediately.
func (e *Engine) GetHistory(ctx context.Context, peerRaw string, page, pageSize int) ([]store.Message, error) {
	peer, err := identity.ParseWith(peerRaw, e.db)
	if err != nil {
		return nil, err
	}
	key, err := identity.ConversationKey(e.self, peer)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	if page == 1 {
		if cached := e.cacheGet(key); len(cached) > 0 {
			return cached, nil
		}
	}

	flightKey := fmt.Sprintf("%s/%d/%d", key, page, pageSize)
	v, err, _ := e.group.Do(flightKey, func() (any, error) {
		// The flight outlives any one caller; a cancelled first caller
		// must not fail the waiters coalesced behind it.
		return e.fetchHistory(context.WithoutCancel(ctx), key, peer.String(), page, pageSize)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Message), nil
}

func (e *Engine) fetchHistory(ctx context.Context, key, peerID string, page, pageSize int) ([]store.Message, error) {
	msgs, err := e.api.History(ctx, peerID, page, pageSize)
	if err != nil {
		// Unknown peer and stale token are surfaced immediately; only
		// rate limiting and network trouble fall back to the local cache.
		if errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrUnauthorized) {
			return nil, err
		}
		if errors.Is(err, remote.ErrRateLimited) {
			e.logger.Warn("history rate limited, serving local cache", zap.String("conversation", key))
		} else {
			e.logger.Warn("history fetch failed, serving local cache",
				zap.String("conversation", key), zap.Error(err))
		}
		local, lerr := e.localHistory(key, page, pageSize)
		if lerr != nil {
			return nil, lerr
		}
		if len(local) == 0 {
			return nil, err
		}
		return local, nil
	}

	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		cm := store.Message{
			ConversationKey: key,
			ServerID:        m.ID,
			SenderID:        m.SenderID,
			ReceiverID:      m.ReceiverID,
			Content:         m.Content,
			Kind:            m.Kind,
			CreatedAt:       m.CreatedAt,
			DeliveryState:   deliveryState(m.Status),
			SyncStatus:      store.SyncSynced,
		}
		if err := e.db.UpsertMessage(&cm); err != nil {
			e.logger.Warn("history write-through failed", zap.Error(err))
		}
		out = append(out, cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if page == 1 {
		e.cacheReplace(key, out)
	}
	return out, nil
}

// localHistory serves a history page from the SQLite cache. Pages map onto
// the keyset by walking from the newest row.
func (e *Engine) localHistory(key string, page, pageSize int) ([]store.Message, error) {
	beforeTs := int64(0)
	for p := 1; p < page; p++ {
		batch, err := e.db.ListMessages(key, beforeTs, pageSize)
		if err != nil {
			return nil, err
		}
		if len(batch) < pageSize {
			return nil, nil
		}
		beforeTs = batch[len(batch)-1].CreatedAt
	}
	batch, err := e.db.ListMessages(key, beforeTs, pageSize)
	if err != nil {
		return nil, err
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt < batch[j].CreatedAt })
	if page == 1 {
		e.cacheReplace(key, batch)
	}
	return batch, nil
}

// Retry re-emits every failed pending send. Called on reconnect and on a
// periodic tick.
func (e *Engine) Retry(ctx context.Context) error {
	if !e.emitter.Connected() {
		return transport.ErrNotConnected
	}
	pending, err := e.db.PendingMessages()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.TempID == "" {
			continue
		}
		if err := e.db.SetDeliveryStateByTempID(m.TempID, store.StateSending); err != nil {
			e.logger.Warn("retry state update failed", zap.Error(err))
		}
		e.cacheSetState(m.ConversationKey, m.TempID, store.StateSending)
		if err := e.emitter.Emit(wire.EventSendMessage, wire.SendMessage{
			TempID:     m.TempID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Kind:       m.Kind,
		}); err != nil {
			e.failSend(m.TempID, m.ConversationKey)
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		e.logger.Info("retrying send", zap.String("temp_id", m.TempID))
	}
	return nil
}

// RunRetry retries pending sends whenever the transport reconnects and on a
// fixed interval, until ctx is cancelled.
func (e *Engine) RunRetry(ctx context.Context, interval time.Duration) {
	events, cancel := e.bus.Subscribe("session.", 8)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != "session.connected" {
				continue
			}
		case <-ticker.C:
		}
		if !e.emitter.Connected() {
			continue
		}
		if err := e.Retry(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("retry pass failed", zap.Error(err))
		}
	}
}

func (e *Engine) handleNewMessage(raw json.RawMessage) {
	var p wire.NewMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("malformed new_message", zap.Error(err))
		return
	}
	key, err := identity.ConversationKeyStrings(p.SenderID, p.ReceiverID, e.db)
	if err != nil {
		e.logger.Warn("new_message with unresolvable identities", zap.Error(err))
		return
	}

	// Duplicate delivery after a reconnect must not produce a second row or
	// a second bus event.
	seen, err := e.db.HasServerID(key, p.MessageID)
	if err != nil {
		e.logger.Warn("duplicate check failed", zap.Error(err))
	}

	msg := store.Message{
		ConversationKey: key,
		ServerID:        p.MessageID,
		SenderID:        p.SenderID,
		ReceiverID:      p.ReceiverID,
		Content:         p.Content,
		Kind:            p.Kind,
		CreatedAt:       p.CreatedAt,
		DeliveryState:   store.StateDelivered,
		SyncStatus:      store.SyncSynced,
	}
	if err := e.db.UpsertMessage(&msg); err != nil {
		e.logger.Warn("cache incoming message failed", zap.Error(err))
	}
	if seen {
		return
	}
	e.cachePut(key, msg)
	e.publish("message.upserted", msg)
}

func (e *Engine) handleMessageSent(raw json.RawMessage) {
	var p wire.MessageSent
	if err := json.Unmarshal(raw, &p); err != nil {
		e.logger.Warn("malformed message_sent", zap.Error(err))
		return
	}
	if p.TempID == "" {
		return
	}
	if err := e.db.ResolveTempID(p.TempID, p.MessageID, p.CreatedAt); err != nil {
		e.logger.Warn("resolve temp id failed", zap.Error(err))
	}

	key, err := identity.ConversationKeyStrings(e.self.String(), p.ReceiverID, e.db)
	if err == nil {
		e.cacheResolve(key, p.TempID, p.MessageID, p.CreatedAt)
	}
	e.publish("message.sent", p)
}

func (e *Engine) handleMessageError(raw json.RawMessage) {
	var p wire.MessageError
	if err := json.Unmarshal(raw, &p); err != nil || p.TempID == "" {
		return
	}
	if m, err := e.db.GetByTempID(p.TempID); err == nil && m != nil {
		e.failSend(p.TempID, m.ConversationKey)
	} else {
		e.failSend(p.TempID, "")
	}
}

func (e *Engine) handleReceivedLike(raw json.RawMessage) {
	var p wire.ReceivedLike
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	e.publish("like.received", p)
}

func (e *Engine) handleMessagesRead(raw json.RawMessage) {
	var p wire.MessageRead
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	key, err := identity.ConversationKeyStrings(e.self.String(), p.ReadBy, e.db)
	if err != nil {
		e.logger.Warn("message_read with unresolvable reader", zap.Error(err))
		return
	}
	if err := e.db.MarkMessagesRead(key, e.self.String(), p.MessageIDs); err != nil {
		e.logger.Warn("apply message_read failed", zap.Error(err))
	}
	e.cacheMarkRead(key, e.self.String(), p.MessageIDs)
	e.publish("message.read", p)
}

func (e *Engine) failSend(tempID, key string) {
	if err := e.db.SetDeliveryStateByTempID(tempID, store.StateFailed); err != nil {
		e.logger.Warn("mark send failed", zap.Error(err))
	}
	if key != "" {
		e.cacheSetState(key, tempID, store.StateFailed)
	}
	e.publish("message.send_failed", tempID)
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func deliveryState(status string) store.DeliveryState {
	switch status {
	case "read":
		return store.StateRead
	case "delivered":
		return store.StateDelivered
	default:
		return store.StateSent
	}
}
