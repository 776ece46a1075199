package store

import (
	"database/sql"
	"time"
)

// UpsertProfile overwrites the cached profile for an identity. Every
// successful remote fetch lands here; cached_at restarts the TTL clock.
func (db *DB) UpsertProfile(p *Profile) error {
	_, err := db.Exec(`
		INSERT INTO profiles (identity, display_name, avatar_path, status, status_text, last_seen, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_path = excluded.avatar_path,
			status = excluded.status,
			status_text = excluded.status_text,
			last_seen = excluded.last_seen,
			cached_at = excluded.cached_at`,
		p.Identity, p.DisplayName, p.AvatarPath, p.Status, p.StatusText, p.LastSeen, p.CachedAt)
	if err != nil {
		return ioErr("upsert profile", err)
	}
	return nil
}

// GetProfile returns the cached profile for an identity, or nil.
func (db *DB) GetProfile(identity string) (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT identity, display_name, avatar_path, status, status_text, last_seen, cached_at
		FROM profiles WHERE identity = ?`, identity).
		Scan(&p.Identity, &p.DisplayName, &p.AvatarPath, &p.Status, &p.StatusText, &p.LastSeen, &p.CachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("get profile", err)
	}
	return &p, nil
}

// SweepProfiles removes entries whose cached_at is older than ttl.
// This periodic sweep is the only eviction path for profiles.
func (db *DB) SweepProfiles(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := db.Exec(`DELETE FROM profiles WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, ioErr("sweep profiles", err)
	}
	return res.RowsAffected()
}
