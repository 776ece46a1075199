package sync

import (
	"sort"

	"github.com/mistnote/mistnote/internal/store"
)

// In-memory conversation cache. Slices are kept sorted ascending by
// CreatedAt; cacheGet hands out copies so callers never alias engine state.

func (e *Engine) cacheGet(key string) []store.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	msgs, ok := e.convs[key]
	if !ok {
		return nil
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (e *Engine) cacheReplace(key string, msgs []store.Message) {
	cp := make([]store.Message, len(msgs))
	copy(cp, msgs)
	e.mu.Lock()
	e.convs[key] = cp
	e.mu.Unlock()
}

// cachePut inserts or replaces one message, matching by ServerID first and
// TempID second.
func (e *Engine) cachePut(key string, msg store.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.convs[key]
	for i := range msgs {
		if sameMessage(&msgs[i], &msg) {
			msgs[i] = msg
			return
		}
	}
	msgs = append(msgs, msg)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
	e.convs[key] = msgs
}

func (e *Engine) cacheSetState(key, tempID string, state store.DeliveryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.convs[key]
	for i := range msgs {
		if msgs[i].TempID == tempID {
			msgs[i].DeliveryState = state
			return
		}
	}
}

// cacheResolve promotes an optimistic cache entry to its server identity.
func (e *Engine) cacheResolve(key, tempID, serverID string, createdAt int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.convs[key]
	for i := range msgs {
		if msgs[i].TempID != tempID {
			continue
		}
		msgs[i].ServerID = serverID
		msgs[i].TempID = ""
		if createdAt > 0 {
			msgs[i].CreatedAt = createdAt
		}
		msgs[i].DeliveryState = store.StateSent
		msgs[i].SyncStatus = store.SyncSynced
		sort.Slice(msgs, func(a, b int) bool { return msgs[a].CreatedAt < msgs[b].CreatedAt })
		return
	}
}

// cacheMarkRead marks messages from senderID as read. Empty ids covers every
// sent or delivered message from that sender.
func (e *Engine) cacheMarkRead(key, senderID string, ids []string) {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.convs[key] {
		m := &e.convs[key][i]
		if m.SenderID != senderID {
			continue
		}
		if len(ids) > 0 && !idSet[m.ServerID] {
			continue
		}
		if m.DeliveryState == store.StateSent || m.DeliveryState == store.StateDelivered {
			m.DeliveryState = store.StateRead
		}
	}
}

func sameMessage(a, b *store.Message) bool {
	if a.ServerID != "" && a.ServerID == b.ServerID {
		return true
	}
	if a.TempID != "" && a.TempID == b.TempID {
		return true
	}
	return false
}
