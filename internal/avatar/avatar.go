// Package avatar caches contact avatars on disk. Lookups degrade instead of
// failing: a stale file beats a placeholder, a placeholder beats nothing.
package avatar

import (
	"context"
	_ "embed"
	"mime"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mistnote/mistnote/internal/store"
)

// DefaultTTL bounds how long a downloaded avatar is considered fresh.
const DefaultTTL = 7 * 24 * time.Hour

//go:embed placeholder.svg
var placeholderSVG []byte

// Downloader fetches avatar bytes. Satisfied by remote.Client.
type Downloader interface {
	DownloadAvatar(ctx context.Context, url string) (data []byte, contentType string, err error)
}

type cachedPath struct {
	path string
	url  string
	at   time.Time
}

// Manager resolves avatar URLs to local file paths.
type Manager struct {
	dir    string
	db     *store.DB
	dl     Downloader
	ttl    time.Duration
	logger *zap.Logger

	group singleflight.Group

	mu    gosync.RWMutex
	paths map[string]cachedPath

	placeholder string
}

// NewManager creates a manager storing files under dir. The placeholder
// asset is written on first use.
func NewManager(dir string, db *store.DB, dl Downloader, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	placeholder := filepath.Join(dir, "placeholder.svg")
	if _, err := os.Stat(placeholder); err != nil {
		if err := os.WriteFile(placeholder, placeholderSVG, 0o600); err != nil {
			return nil, err
		}
	}
	return &Manager{
		dir:         dir,
		db:          db,
		dl:          dl,
		ttl:         DefaultTTL,
		logger:      logger,
		paths:       make(map[string]cachedPath),
		placeholder: placeholder,
	}, nil
}

// Placeholder returns the path of the generic avatar asset.
func (m *Manager) Placeholder() string { return m.placeholder }

// Get returns a local file path for the identity's avatar. Concurrent
// requests for the same (identity, url) pair share one download. Get never
// fails: on download errors it returns the last cached file, or the
// placeholder.
func (m *Manager) Get(ctx context.Context, loginID, avatarURL string) string {
	if avatarURL == "" {
		return m.placeholder
	}

	if p, ok := m.fresh(loginID, avatarURL); ok {
		return p
	}

	if rec, err := m.db.GetAvatar(loginID); err == nil && rec != nil {
		if rec.SourceURL == avatarURL && fileExists(rec.LocalPath) &&
			time.Since(time.UnixMilli(rec.DownloadedAt)) < m.ttl {
			m.remember(loginID, avatarURL, rec.LocalPath)
			return rec.LocalPath
		}
	}

	// Coalescing is per (identity, url) pair so a changed source URL is
	// never folded into a download of the old one.
	v, err, _ := m.group.Do(loginID+"|"+avatarURL, func() (any, error) {
		return m.download(ctx, loginID, avatarURL)
	})
	if err != nil {
		m.logger.Warn("avatar download failed",
			zap.String("identity", loginID), zap.Error(err))
		return m.degrade(loginID)
	}
	path := v.(string)
	m.remember(loginID, avatarURL, path)
	return path
}

// Invalidate drops the cached avatar for loginID so the next Get downloads
// it again.
func (m *Manager) Invalidate(loginID string) {
	m.mu.Lock()
	delete(m.paths, loginID)
	m.mu.Unlock()
	if err := m.db.DeleteAvatar(loginID); err != nil {
		m.logger.Warn("avatar record delete failed",
			zap.String("identity", loginID), zap.Error(err))
	}
}

// Preload warms the cache for a batch of contacts, at most four downloads in
// flight.
func (m *Manager) Preload(ctx context.Context, avatars map[string]string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for loginID, url := range avatars {
		loginID, url := loginID, url
		g.Go(func() error {
			m.Get(ctx, loginID, url)
			return nil
		})
	}
	_ = g.Wait()
}

// SweepExpired removes cached avatar files older than maxAge. The
// placeholder is never removed.
func (m *Manager) SweepExpired(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("avatar sweep failed", zap.Error(err))
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		full := filepath.Join(m.dir, ent.Name())
		if full == m.placeholder {
			continue
		}
		info, err := ent.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(full); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.mu.Lock()
		m.paths = make(map[string]cachedPath)
		m.mu.Unlock()
	}
	return removed
}

func (m *Manager) download(ctx context.Context, loginID, avatarURL string) (string, error) {
	data, contentType, err := m.dl.DownloadAvatar(ctx, avatarURL)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.dir, loginID+extFor(contentType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	if err := m.db.UpsertAvatar(&store.Avatar{
		Identity:     loginID,
		SourceURL:    avatarURL,
		LocalPath:    path,
		ContentType:  contentType,
		DownloadedAt: time.Now().UnixMilli(),
	}); err != nil {
		m.logger.Warn("avatar record write failed", zap.Error(err))
	}
	return path, nil
}

// degrade serves whatever is still on disk for the identity, falling back to
// the placeholder.
func (m *Manager) degrade(loginID string) string {
	if rec, err := m.db.GetAvatar(loginID); err == nil && rec != nil && fileExists(rec.LocalPath) {
		return rec.LocalPath
	}
	return m.placeholder
}

func (m *Manager) fresh(loginID, avatarURL string) (string, bool) {
	m.mu.RLock()
	c, ok := m.paths[loginID]
	m.mu.RUnlock()
	if !ok || c.url != avatarURL || time.Since(c.at) >= m.ttl || !fileExists(c.path) {
		return "", false
	}
	return c.path, true
}

func (m *Manager) remember(loginID, avatarURL, path string) {
	m.mu.Lock()
	m.paths[loginID] = cachedPath{path: path, url: avatarURL, at: time.Now()}
	m.mu.Unlock()
}

func extFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".jpg"
	}
	switch mt {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".jpg"
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
