package delivery

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mistnote/mistnote/internal/identity"
	"github.com/mistnote/mistnote/internal/status"
	"github.com/mistnote/mistnote/internal/wire"
	"go.uber.org/zap"
)

// conn is one authenticated client connection. Frames from a single
// connection are processed strictly in arrival order by its read pump.
type conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	send     chan wire.Envelope
	machine  *status.Machine
	srv      *Server

	// dropped is set by the hub goroutine when a slow consumer is severed.
	// Hub state, only ever touched on the Run goroutine.
	dropped bool
}

func (c *conn) writePump() {
	for env := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteJSON(env); err != nil {
			return
		}
	}
	// Hub closed the channel: say goodbye.
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *conn) readPump() {
	defer func() {
		c.srv.hub.unregister <- c
		_ = c.machine.Transition(status.Disconnected)
		_ = c.ws.Close()
	}()

	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("read error", zap.String("identity", c.identity), zap.Error(err))
			}
			return
		}

		switch env.Event {
		case wire.EventSendMessage:
			c.handleSendMessage(env.Payload)
		case wire.EventMarkAsRead:
			c.handleMarkAsRead(env.Payload)
		case wire.EventUpdateStatus:
			c.handleUpdateStatus(env.Payload)
		case wire.EventTyping:
			c.handleTyping(env.Payload)
		case wire.EventSendLike:
			c.handleSendLike(env.Payload)
		default:
			c.srv.logger.Info("ignoring unknown event",
				zap.String("identity", c.identity), zap.String("event", env.Event))
		}
	}
}

// reply queues an envelope for this connection only.
func (c *conn) reply(event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		c.srv.logger.Error("encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- env:
	default:
	}
}

func (c *conn) handleSendMessage(raw json.RawMessage) {
	var p wire.SendMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		c.reply(wire.EventMessageError, wire.MessageError{Message: "malformed send_message"})
		return
	}

	receiver, err := identity.ParseWith(p.ReceiverID, c.srv.directory)
	if err != nil {
		c.srv.logger.Warn("unresolvable receiver",
			zap.String("sender", c.identity), zap.String("receiver", p.ReceiverID), zap.Error(err))
		c.reply(wire.EventMessageError, wire.MessageError{TempID: p.TempID, Message: "unknown receiver"})
		return
	}
	if _, err := c.srv.directory.Profile(receiver.String()); err != nil {
		c.reply(wire.EventMessageError, wire.MessageError{TempID: p.TempID, Message: "unknown receiver"})
		return
	}

	kind := p.Kind
	if kind == "" {
		kind = "text"
	}
	msg := &StoredMessage{
		SenderID:   c.identity,
		ReceiverID: receiver.String(),
		Content:    p.Content,
		Kind:       kind,
		Status:     "sent",
	}
	if err := c.srv.store.SaveMessage(msg); err != nil {
		// Persistence failures are the client's to retry.
		c.srv.logger.Error("persist message failed",
			zap.String("sender", c.identity), zap.Error(err))
		c.reply(wire.EventMessageError, wire.MessageError{TempID: p.TempID, Message: "message delivery failed"})
		return
	}

	newMsg, err := wire.NewEnvelope(wire.EventNewMessage, wire.NewMessage{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Kind:       msg.Kind,
		CreatedAt:  msg.CreatedAt,
	})
	if err == nil {
		c.srv.hub.Deliver(msg.ReceiverID, newMsg)
	}

	// Echo to the sender's own room so every session reconciles.
	sent, err := wire.NewEnvelope(wire.EventMessageSent, wire.MessageSent{
		MessageID:  msg.ID,
		TempID:     p.TempID,
		ReceiverID: msg.ReceiverID,
		CreatedAt:  msg.CreatedAt,
	})
	if err == nil {
		c.srv.hub.Deliver(msg.SenderID, sent)
	}
}

func (c *conn) handleMarkAsRead(raw json.RawMessage) {
	var p wire.MarkAsRead
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	sender, err := identity.ParseWith(p.SenderID, c.srv.directory)
	if err != nil {
		c.srv.logger.Warn("mark_as_read with unresolvable sender",
			zap.String("identity", c.identity), zap.Error(err))
		return
	}

	readIDs, err := c.srv.store.MarkRead(c.identity, sender.String(), p.MessageIDs)
	if err != nil {
		c.srv.logger.Error("mark read failed", zap.String("identity", c.identity), zap.Error(err))
		return
	}
	if len(readIDs) == 0 {
		return
	}

	env, err := wire.NewEnvelope(wire.EventMessageRead, wire.MessageRead{
		MessageIDs: readIDs,
		ReadBy:     c.identity,
		ReadAt:     time.Now().UnixMilli(),
	})
	if err == nil {
		c.srv.hub.Deliver(sender.String(), env)
	}
}

func (c *conn) handleUpdateStatus(raw json.RawMessage) {
	var p wire.UpdateStatus
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.srv.hub.UpdateStatus(c.identity, p.Status, p.StatusText)
	c.reply(wire.EventStatusUpdated, wire.StatusUpdated{Status: p.Status, StatusText: p.StatusText})
}

func (c *conn) handleSendLike(raw json.RawMessage) {
	var p wire.SendLike
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	target, err := identity.ParseWith(p.TargetID, c.srv.directory)
	if err != nil {
		c.srv.logger.Warn("send_like with unresolvable target",
			zap.String("identity", c.identity), zap.Error(err))
		return
	}
	env, err := wire.NewEnvelope(wire.EventReceivedLike, wire.ReceivedLike{
		FromID:    c.identity,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		c.srv.hub.Deliver(target.String(), env)
	}
	c.reply(wire.EventLikeSent, wire.LikeSent{TargetID: target.String()})
}

func (c *conn) handleTyping(raw json.RawMessage) {
	var p wire.Typing
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	receiver, err := identity.ParseWith(p.ReceiverID, c.srv.directory)
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.EventUserTyping, wire.UserTyping{
		Identity: c.identity,
		IsTyping: p.IsTyping,
	})
	if err == nil {
		c.srv.hub.Deliver(receiver.String(), env)
	}
}
