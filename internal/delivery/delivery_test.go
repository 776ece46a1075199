package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mistnote/mistnote/internal/wire"
	"go.uber.org/zap"
)

const (
	testSecret   = "test-secret"
	userA        = "10001"
	userB        = "10002"
	userBStorage = "507f1f77bcf86cd799439011"
	dialWait     = 3 * time.Second
)

type testEnv struct {
	srv      *httptest.Server
	store    *SQLiteStore
	auth     *JWTAuthenticator
	registry *OnlineRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.UpsertAccount(ProfileSnapshot{Identity: userA, DisplayName: "Alice"}, ""); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := store.UpsertAccount(ProfileSnapshot{Identity: userB, DisplayName: "Bob"}, userBStorage); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := store.AddContact(userA, userB); err != nil {
		t.Fatalf("seed contacts: %v", err)
	}

	auth := NewJWTAuthenticator(testSecret)
	registry := NewOnlineRegistry()
	hub := NewHub(store, registry, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := NewServer(hub, auth, store, store, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, auth: auth, registry: registry}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

// connect dials, authenticates as loginID and consumes the authenticated
// frame.
func (e *testEnv) connect(t *testing.T, loginID string) *websocket.Conn {
	t.Helper()

	token, err := e.auth.IssueToken(loginID, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	env, err := wire.NewEnvelope(wire.EventAuthenticate, wire.Authenticate{Token: token})
	if err != nil {
		t.Fatalf("encode authenticate: %v", err)
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("send authenticate: %v", err)
	}
	got := waitFor(t, ws, wire.EventAuthenticated)
	var p wire.Authenticated
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode authenticated: %v", err)
	}
	if p.Identity != loginID {
		t.Fatalf("authenticated as %q, want %q", p.Identity, loginID)
	}
	return ws
}

// waitFor reads frames until one matches event, skipping unrelated ones
// (presence may interleave with anything).
func waitFor(t *testing.T, ws *websocket.Conn, event string) wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(dialWait)
	for {
		_ = ws.SetReadDeadline(deadline)
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if env.Event == event {
			_ = ws.SetReadDeadline(time.Time{})
			return env
		}
	}
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	frame, err := wire.NewEnvelope(wire.EventAuthenticate, wire.Authenticate{Token: "garbage"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("send authenticate: %v", err)
	}

	got := waitFor(t, ws, wire.EventAuthError)
	var p wire.AuthError
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode auth_error: %v", err)
	}
	if p.Message == "" {
		t.Fatal("auth_error carried no message")
	}

	// Server closes after rejecting; the next read must fail.
	_ = ws.SetReadDeadline(time.Now().Add(dialWait))
	var extra wire.Envelope
	if err := ws.ReadJSON(&extra); err == nil {
		t.Fatalf("connection stayed open after auth_error, got %q", extra.Event)
	}
}

func TestSendMessageFansOutToBothRooms(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	sendEnvelope(t, wsA, wire.EventSendMessage, wire.SendMessage{
		TempID:     "temp-1",
		ReceiverID: userB,
		Content:    "hello",
	})

	gotB := waitFor(t, wsB, wire.EventNewMessage)
	var nm wire.NewMessage
	if err := json.Unmarshal(gotB.Payload, &nm); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}
	if nm.SenderID != userA || nm.Content != "hello" || nm.MessageID == "" || nm.CreatedAt == 0 {
		t.Fatalf("unexpected new_message: %+v", nm)
	}

	gotA := waitFor(t, wsA, wire.EventMessageSent)
	var ms wire.MessageSent
	if err := json.Unmarshal(gotA.Payload, &ms); err != nil {
		t.Fatalf("decode message_sent: %v", err)
	}
	if ms.TempID != "temp-1" {
		t.Fatalf("message_sent tempId = %q, want temp-1", ms.TempID)
	}
	if ms.MessageID != nm.MessageID {
		t.Fatalf("sender and receiver saw different ids: %q vs %q", ms.MessageID, nm.MessageID)
	}
}

func TestSendMessageResolvesStorageID(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	sendEnvelope(t, wsA, wire.EventSendMessage, wire.SendMessage{
		TempID:     "temp-2",
		ReceiverID: userBStorage,
		Content:    "via storage id",
	})

	got := waitFor(t, wsB, wire.EventNewMessage)
	var nm wire.NewMessage
	if err := json.Unmarshal(got.Payload, &nm); err != nil {
		t.Fatalf("decode new_message: %v", err)
	}
	if nm.ReceiverID != userB {
		t.Fatalf("receiver normalized to %q, want %q", nm.ReceiverID, userB)
	}
}

func TestSendMessageUnknownReceiver(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)

	sendEnvelope(t, wsA, wire.EventSendMessage, wire.SendMessage{
		TempID:     "temp-3",
		ReceiverID: "99999",
		Content:    "nobody home",
	})

	got := waitFor(t, wsA, wire.EventMessageError)
	var me wire.MessageError
	if err := json.Unmarshal(got.Payload, &me); err != nil {
		t.Fatalf("decode message_error: %v", err)
	}
	if me.TempID != "temp-3" {
		t.Fatalf("message_error tempId = %q, want temp-3", me.TempID)
	}
}

func TestMarkAsReadNotifiesSender(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	sendEnvelope(t, wsA, wire.EventSendMessage, wire.SendMessage{
		TempID:     "temp-4",
		ReceiverID: userB,
		Content:    "read me",
	})
	got := waitFor(t, wsB, wire.EventNewMessage)
	var nm wire.NewMessage
	if err := json.Unmarshal(got.Payload, &nm); err != nil {
		t.Fatal(err)
	}

	sendEnvelope(t, wsB, wire.EventMarkAsRead, wire.MarkAsRead{SenderID: userA})

	read := waitFor(t, wsA, wire.EventMessageRead)
	var mr wire.MessageRead
	if err := json.Unmarshal(read.Payload, &mr); err != nil {
		t.Fatalf("decode message_read: %v", err)
	}
	if mr.ReadBy != userB {
		t.Fatalf("readBy = %q, want %q", mr.ReadBy, userB)
	}
	found := false
	for _, id := range mr.MessageIDs {
		if id == nm.MessageID {
			found = true
		}
	}
	if !found {
		t.Fatalf("message_read ids %v missing %q", mr.MessageIDs, nm.MessageID)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wsB := env.connect(t, userB)

	wsA := env.connect(t, userA)
	got := waitFor(t, wsB, wire.EventUserOnline)
	var on wire.UserOnline
	if err := json.Unmarshal(got.Payload, &on); err != nil {
		t.Fatalf("decode user_online: %v", err)
	}
	if on.Identity != userA {
		t.Fatalf("user_online for %q, want %q", on.Identity, userA)
	}
	if !env.registry.IsOnline(userA) {
		t.Fatal("registry does not show A online")
	}

	wsA.Close()
	off := waitFor(t, wsB, wire.EventUserOffline)
	var p wire.UserOffline
	if err := json.Unmarshal(off.Payload, &p); err != nil {
		t.Fatalf("decode user_offline: %v", err)
	}
	if p.Identity != userA || p.LastSeen == 0 {
		t.Fatalf("unexpected user_offline: %+v", p)
	}
}

func TestStatusChangeReachesContacts(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	// B must observe A's arrival first so ordering is deterministic.
	waitFor(t, wsB, wire.EventUserOnline)

	sendEnvelope(t, wsA, wire.EventUpdateStatus, wire.UpdateStatus{
		Status:     "away",
		StatusText: "brb",
	})

	got := waitFor(t, wsB, wire.EventUserStatusChanged)
	var sc wire.UserStatusChanged
	if err := json.Unmarshal(got.Payload, &sc); err != nil {
		t.Fatalf("decode user_status_changed: %v", err)
	}
	if sc.Identity != userA || sc.Status != "away" || sc.StatusText != "brb" {
		t.Fatalf("unexpected status change: %+v", sc)
	}
}

func TestTypingIndicatorPassthrough(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	sendEnvelope(t, wsA, wire.EventTyping, wire.Typing{ReceiverID: userB, IsTyping: true})

	got := waitFor(t, wsB, wire.EventUserTyping)
	var ut wire.UserTyping
	if err := json.Unmarshal(got.Payload, &ut); err != nil {
		t.Fatalf("decode user_typing: %v", err)
	}
	if ut.Identity != userA || !ut.IsTyping {
		t.Fatalf("unexpected user_typing: %+v", ut)
	}
}

// serverRawConn returns the server-side websocket of a live pair.
func serverRawConn(t *testing.T) *websocket.Conn {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-ch:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(dialWait):
		t.Fatal("no upgrade")
		return nil
	}
}

func TestSlowConsumerDropKeepsReplySafe(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := NewHub(store, NewOnlineRegistry(), zap.NewNop())
	srv := &Server{hub: hub, logger: zap.NewNop()}
	c := &conn{
		id:       "c1",
		identity: userA,
		ws:       serverRawConn(t),
		send:     make(chan wire.Envelope, 1),
		srv:      srv,
	}
	hub.rooms[userA] = map[*conn]bool{c: true}

	env, err := wire.NewEnvelope(wire.EventNewMessage, wire.NewMessage{MessageID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	hub.fanOut(roomDelivery{room: userA, env: env}) // fills the buffer
	hub.fanOut(roomDelivery{room: userA, env: env}) // drops the consumer

	if !c.dropped {
		t.Fatal("overflowing conn was not marked dropped")
	}
	if !hub.rooms[userA][c] {
		t.Fatal("conn left the room before its pump unregistered")
	}

	// The read pump may still be producing replies after the drop; the send
	// channel must stay open until removeConn runs.
	c.reply(wire.EventMessageError, wire.MessageError{Message: "late"})

	hub.removeConn(c)
	if _, open := <-c.send; !open {
		t.Fatal("buffered envelope lost")
	}
	if _, open := <-c.send; open {
		t.Fatal("send channel not closed by unregister")
	}
}

func TestStatusUpdateAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)

	sendEnvelope(t, wsA, wire.EventUpdateStatus, wire.UpdateStatus{
		Status:     "busy",
		StatusText: "in a meeting",
	})

	got := waitFor(t, wsA, wire.EventStatusUpdated)
	var ack wire.StatusUpdated
	if err := json.Unmarshal(got.Payload, &ack); err != nil {
		t.Fatalf("decode status_updated: %v", err)
	}
	if ack.Status != "busy" || ack.StatusText != "in a meeting" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestLikeReachesTargetAndAcks(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.connect(t, userA)
	wsB := env.connect(t, userB)

	sendEnvelope(t, wsA, wire.EventSendLike, wire.SendLike{TargetID: userBStorage})

	got := waitFor(t, wsB, wire.EventReceivedLike)
	var rl wire.ReceivedLike
	if err := json.Unmarshal(got.Payload, &rl); err != nil {
		t.Fatalf("decode received_like: %v", err)
	}
	if rl.FromID != userA || rl.Timestamp == 0 {
		t.Fatalf("unexpected received_like: %+v", rl)
	}

	ack := waitFor(t, wsA, wire.EventLikeSent)
	var ls wire.LikeSent
	if err := json.Unmarshal(ack.Payload, &ls); err != nil {
		t.Fatalf("decode like_sent: %v", err)
	}
	if ls.TargetID != userB {
		t.Fatalf("like_sent target = %q, want canonical %q", ls.TargetID, userB)
	}
}

func TestHistoryPagination(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		m := &StoredMessage{SenderID: userA, ReceiverID: userB, Content: "m"}
		if err := env.store.SaveMessage(m); err != nil {
			t.Fatalf("save: %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at per row
	}

	page1, err := env.store.History(userA, userB, 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page 1 has %d rows, want 2", len(page1))
	}
	if page1[0].CreatedAt < page1[1].CreatedAt {
		t.Fatal("history not newest-first")
	}

	page3, err := env.store.History(userA, userB, 3, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("page 3 has %d rows, want 1", len(page3))
	}
}

func TestMarkReadSubset(t *testing.T) {
	env := newTestEnv(t)

	var ids []string
	for i := 0; i < 3; i++ {
		m := &StoredMessage{SenderID: userA, ReceiverID: userB, Content: "m"}
		if err := env.store.SaveMessage(m); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, m.ID)
	}

	affected, err := env.store.MarkRead(userB, userA, ids[:2])
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("marked %d, want 2", len(affected))
	}

	// Second pass only picks up the remaining one.
	rest, err := env.store.MarkRead(userB, userA, nil)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(rest) != 1 || rest[0] != ids[2] {
		t.Fatalf("second pass marked %v, want [%s]", rest, ids[2])
	}
}
