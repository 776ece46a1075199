// Package profile caches contact profiles with a bounded TTL and applies
// presence updates from the realtime channel.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mistnote/mistnote/internal/bus"
	"github.com/mistnote/mistnote/internal/identity"
	"github.com/mistnote/mistnote/internal/remote"
	"github.com/mistnote/mistnote/internal/store"
	"github.com/mistnote/mistnote/internal/transport"
	"github.com/mistnote/mistnote/internal/wire"
)

// DefaultTTL bounds how long a cached profile is served without a refetch.
const DefaultTTL = 24 * time.Hour

// Fetcher loads profiles from the server. Satisfied by remote.Client.
type Fetcher interface {
	Profile(ctx context.Context, loginID string) (*remote.Profile, error)
}

// AvatarResolver localizes an avatar URL to a file path.
type AvatarResolver interface {
	Get(ctx context.Context, loginID, avatarURL string) string
}

// Events is the subset of the transport used to observe presence.
type Events interface {
	On(event string, h transport.Handler)
}

// Cache is one identity's profile cache.
type Cache struct {
	db      *store.DB
	api     Fetcher
	avatars AvatarResolver
	bus     *bus.Bus
	ttl     time.Duration
	logger  *zap.Logger

	group singleflight.Group

	mu  gosync.RWMutex
	mem map[string]store.Profile
}

// NewCache creates the cache and, when events is non-nil, registers the
// presence handlers.
func NewCache(db *store.DB, api Fetcher, avatars AvatarResolver, events Events, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		db:      db,
		api:     api,
		avatars: avatars,
		bus:     b,
		ttl:     DefaultTTL,
		logger:  logger,
		mem:     make(map[string]store.Profile),
	}
	if events != nil {
		events.On(wire.EventUserOnline, c.handleUserOnline)
		events.On(wire.EventUserOffline, c.handleUserOffline)
		events.On(wire.EventUserStatusChanged, c.handleStatusChanged)
	}
	return c
}

// Get returns the profile for rawID, refetching entries older than the TTL.
// When the server is unreachable a stale cached profile is served instead of
// an error.
func (c *Cache) Get(ctx context.Context, rawID string) (*store.Profile, error) {
	id, err := identity.ParseWith(rawID, c.db)
	if err != nil {
		return nil, err
	}
	loginID := id.String()

	if p, ok := c.lookup(loginID); ok {
		return p, nil
	}

	v, err, _ := c.group.Do(loginID, func() (any, error) {
		// A racing fetch may have filled the cache already.
		if p, ok := c.lookup(loginID); ok {
			return p, nil
		}
		return c.fetch(ctx, loginID)
	})
	if err != nil {
		if stale := c.stale(loginID); stale != nil {
			c.logger.Warn("serving stale profile",
				zap.String("identity", loginID), zap.Error(err))
			return stale, nil
		}
		return nil, err
	}
	return v.(*store.Profile), nil
}

// GetBatch resolves many identities concurrently. Failed lookups map to nil
// so one missing contact never sinks the whole batch.
func (c *Cache) GetBatch(ctx context.Context, rawIDs []string) map[string]*store.Profile {
	out := make(map[string]*store.Profile, len(rawIDs))
	var mu gosync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, raw := range rawIDs {
		raw := raw
		g.Go(func() error {
			p, err := c.Get(ctx, raw)
			if err != nil {
				c.logger.Warn("batch profile lookup failed",
					zap.String("identity", raw), zap.Error(err))
				p = nil
			}
			mu.Lock()
			out[raw] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Invalidate drops the cached entry so the next Get refetches.
func (c *Cache) Invalidate(loginID string) {
	c.mu.Lock()
	delete(c.mem, loginID)
	c.mu.Unlock()
}

// Sweep removes persisted entries older than the TTL.
func (c *Cache) Sweep() (int64, error) {
	return c.db.SweepProfiles(c.ttl)
}

// lookup returns a fresh profile from memory or SQLite, or nothing.
func (c *Cache) lookup(loginID string) (*store.Profile, bool) {
	c.mu.RLock()
	p, ok := c.mem[loginID]
	c.mu.RUnlock()
	if ok && c.freshEnough(p.CachedAt) {
		cp := p
		return &cp, true
	}

	rec, err := c.db.GetProfile(loginID)
	if err != nil {
		c.logger.Warn("profile read failed", zap.Error(err))
		return nil, false
	}
	if rec != nil && c.freshEnough(rec.CachedAt) {
		c.remember(*rec)
		return rec, true
	}
	return nil, false
}

// stale returns whatever cached profile exists regardless of age.
func (c *Cache) stale(loginID string) *store.Profile {
	c.mu.RLock()
	p, ok := c.mem[loginID]
	c.mu.RUnlock()
	if ok {
		cp := p
		return &cp
	}
	rec, err := c.db.GetProfile(loginID)
	if err != nil {
		return nil
	}
	return rec
}

func (c *Cache) fetch(ctx context.Context, loginID string) (*store.Profile, error) {
	rp, err := c.api.Profile(ctx, loginID)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", loginID, err)
	}
	p := store.Profile{
		Identity:    loginID,
		DisplayName: rp.DisplayName,
		Status:      rp.Status,
		StatusText:  rp.StatusText,
		CachedAt:    time.Now().UnixMilli(),
	}
	if c.avatars != nil {
		p.AvatarPath = c.avatars.Get(ctx, loginID, rp.AvatarURL)
	}
	if err := c.db.UpsertProfile(&p); err != nil {
		c.logger.Warn("profile write-through failed", zap.Error(err))
	}
	// Keep the contact record current so the storage ID resolver learns the
	// mapping from plain profile lookups too.
	if err := c.db.UpsertContact(&store.Contact{
		Identity:    loginID,
		StorageID:   rp.StorageID,
		DisplayName: rp.DisplayName,
	}); err != nil {
		c.logger.Warn("contact write-through failed", zap.Error(err))
	}
	c.remember(p)
	return &p, nil
}

func (c *Cache) handleUserOnline(raw json.RawMessage) {
	var p wire.UserOnline
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.applyPresence(p.Identity, p.Status, p.StatusText, 0)
	c.publish("presence.online", p)
}

func (c *Cache) handleUserOffline(raw json.RawMessage) {
	var p wire.UserOffline
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.applyPresence(p.Identity, "offline", "", p.LastSeen)
	c.publish("presence.offline", p)
}

func (c *Cache) handleStatusChanged(raw json.RawMessage) {
	var p wire.UserStatusChanged
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.applyPresence(p.Identity, p.Status, p.StatusText, 0)
	c.publish("presence.changed", p)
}

// applyPresence patches a cached profile in place. Presence never creates a
// profile entry on its own.
func (c *Cache) applyPresence(loginID, status, statusText string, lastSeen int64) {
	c.mu.Lock()
	if p, ok := c.mem[loginID]; ok {
		p.Status = status
		p.StatusText = statusText
		if lastSeen > 0 {
			p.LastSeen = lastSeen
		}
		c.mem[loginID] = p
	}
	c.mu.Unlock()

	rec, err := c.db.GetProfile(loginID)
	if err != nil || rec == nil {
		return
	}
	rec.Status = status
	rec.StatusText = statusText
	if lastSeen > 0 {
		rec.LastSeen = lastSeen
	}
	if err := c.db.UpsertProfile(rec); err != nil {
		c.logger.Warn("presence write failed", zap.Error(err))
	}
}

func (c *Cache) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (c *Cache) freshEnough(cachedAt int64) bool {
	return cachedAt > 0 && time.Since(time.UnixMilli(cachedAt)) < c.ttl
}

func (c *Cache) remember(p store.Profile) {
	c.mu.Lock()
	c.mem[p.Identity] = p
	c.mu.Unlock()
}
