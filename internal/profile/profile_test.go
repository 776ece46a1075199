package profile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mistnote/mistnote/internal/bus"
	"github.com/mistnote/mistnote/internal/remote"
	"github.com/mistnote/mistnote/internal/store"
	"github.com/mistnote/mistnote/internal/transport"
	"github.com/mistnote/mistnote/internal/wire"
)

type fakeFetcher struct {
	mu       gosync.Mutex
	calls    int32
	profiles map[string]*remote.Profile
	err      error
	delay    time.Duration
}

func (f *fakeFetcher) Profile(ctx context.Context, loginID string) (*remote.Profile, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	p, ok := f.profiles[loginID]
	err, delay := f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

type fakeAvatars struct{}

func (fakeAvatars) Get(ctx context.Context, loginID, avatarURL string) string {
	if avatarURL == "" {
		return "placeholder.svg"
	}
	return "/avatars/" + loginID + ".jpg"
}

type fakeEvents struct {
	mu       gosync.Mutex
	handlers map[string][]transport.Handler
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeEvents) On(event string, h transport.Handler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeEvents) dispatch(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func testCache(t *testing.T, api *fakeFetcher) (*Cache, *store.DB, *fakeEvents, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	events := newFakeEvents()
	b := bus.New()
	c := NewCache(db, api, fakeAvatars{}, events, b, zap.NewNop())
	return c, db, events, b
}

func TestGetFetchesAndCaches(t *testing.T) {
	api := &fakeFetcher{profiles: map[string]*remote.Profile{
		"10002": {Identity: "10002", DisplayName: "Bob", AvatarURL: "/a/10002", Status: "online"},
	}}
	c, db, _, _ := testCache(t, api)

	p, err := c.Get(context.Background(), "10002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Bob" || p.AvatarPath != "/avatars/10002.jpg" {
		t.Fatalf("profile = %+v", p)
	}

	rec, err := db.GetProfile("10002")
	if err != nil || rec == nil || rec.DisplayName != "Bob" {
		t.Fatalf("write-through missing: %+v %v", rec, err)
	}

	if _, err := c.Get(context.Background(), "10002"); err != nil {
		t.Fatal(err)
	}
	if api.callCount() != 1 {
		t.Fatalf("fetches = %d, want 1", api.callCount())
	}
}

func TestFetchTeachesStorageIDResolver(t *testing.T) {
	storageID := "507f1f77bcf86cd799439011"
	api := &fakeFetcher{profiles: map[string]*remote.Profile{
		"10002": {Identity: "10002", StorageID: storageID, DisplayName: "Bob"},
	}}
	c, db, _, _ := testCache(t, api)

	if _, err := c.Get(context.Background(), "10002"); err != nil {
		t.Fatalf("get: %v", err)
	}

	// The fetched mapping must make the storage ID resolvable locally.
	login, ok := db.ResolveStorageID(storageID)
	if !ok || login != "10002" {
		t.Fatalf("resolve = %q %v, want 10002", login, ok)
	}
	if _, err := c.Get(context.Background(), storageID); err != nil {
		t.Fatalf("get by storage id: %v", err)
	}
	if api.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (storage id served from cache)", api.callCount())
	}
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	api := &fakeFetcher{profiles: map[string]*remote.Profile{
		"10002": {Identity: "10002", DisplayName: "Bob"},
	}}
	c, db, _, _ := testCache(t, api)

	stale := &store.Profile{
		Identity:    "10002",
		DisplayName: "Old Bob",
		CachedAt:    time.Now().Add(-25 * time.Hour).UnixMilli(),
	}
	if err := db.UpsertProfile(stale); err != nil {
		t.Fatal(err)
	}

	p, err := c.Get(context.Background(), "10002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Bob" {
		t.Fatalf("served stale entry: %+v", p)
	}
	if api.callCount() != 1 {
		t.Fatalf("fetches = %d, want 1", api.callCount())
	}
}

func TestRemoteFailureServesStale(t *testing.T) {
	api := &fakeFetcher{err: errors.New("server down")}
	c, db, _, _ := testCache(t, api)

	stale := &store.Profile{
		Identity:    "10002",
		DisplayName: "Old Bob",
		CachedAt:    time.Now().Add(-25 * time.Hour).UnixMilli(),
	}
	if err := db.UpsertProfile(stale); err != nil {
		t.Fatal(err)
	}

	p, err := c.Get(context.Background(), "10002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Old Bob" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestRemoteFailureWithNoCacheFails(t *testing.T) {
	api := &fakeFetcher{err: errors.New("server down")}
	c, _, _, _ := testCache(t, api)

	if _, err := c.Get(context.Background(), "10002"); err == nil {
		t.Fatal("expected error with no cached fallback")
	}
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	api := &fakeFetcher{
		delay: 50 * time.Millisecond,
		profiles: map[string]*remote.Profile{
			"10002": {Identity: "10002", DisplayName: "Bob"},
		},
	}
	c, _, _, _ := testCache(t, api)

	var wg gosync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "10002"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if api.callCount() != 1 {
		t.Fatalf("fetches = %d, want 1", api.callCount())
	}
}

func TestGetBatchNilOnFailure(t *testing.T) {
	api := &fakeFetcher{profiles: map[string]*remote.Profile{
		"10002": {Identity: "10002", DisplayName: "Bob"},
	}}
	c, _, _, _ := testCache(t, api)

	got := c.GetBatch(context.Background(), []string{"10002", "10003"})
	if got["10002"] == nil || got["10002"].DisplayName != "Bob" {
		t.Fatalf("batch[10002] = %+v", got["10002"])
	}
	if p, ok := got["10003"]; !ok || p != nil {
		t.Fatalf("batch[10003] = %+v (present %v), want nil entry", p, ok)
	}
}

func TestPresenceUpdatesCachedProfile(t *testing.T) {
	api := &fakeFetcher{profiles: map[string]*remote.Profile{
		"10002": {Identity: "10002", DisplayName: "Bob", Status: "online"},
	}}
	c, db, events, b := testCache(t, api)

	presence, cancel := b.Subscribe("presence.", 8)
	defer cancel()

	if _, err := c.Get(context.Background(), "10002"); err != nil {
		t.Fatal(err)
	}

	events.dispatch(t, wire.EventUserOffline, wire.UserOffline{Identity: "10002", LastSeen: 123})

	select {
	case evt := <-presence:
		if evt.Kind != "presence.offline" {
			t.Fatalf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no presence event")
	}

	rec, err := db.GetProfile("10002")
	if err != nil || rec == nil {
		t.Fatalf("profile gone: %v", err)
	}
	if rec.Status != "offline" || rec.LastSeen != 123 {
		t.Fatalf("presence not applied: %+v", rec)
	}

	p, err := c.Get(context.Background(), "10002")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "offline" {
		t.Fatalf("memory entry not patched: %+v", p)
	}
}

func TestInvalidIdentityRejected(t *testing.T) {
	api := &fakeFetcher{}
	c, _, _, _ := testCache(t, api)

	if _, err := c.Get(context.Background(), "not-an-id"); err == nil {
		t.Fatal("expected identity error")
	}
	if api.callCount() != 0 {
		t.Fatal("fetched despite invalid identity")
	}
}
