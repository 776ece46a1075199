package store

import (
	"database/sql"
	"time"
)

// UpsertAvatar records where an identity's avatar was persisted on disk.
func (db *DB) UpsertAvatar(a *Avatar) error {
	if a.DownloadedAt == 0 {
		a.DownloadedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO avatars (identity, source_url, local_path, content_type, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			source_url = excluded.source_url,
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			downloaded_at = excluded.downloaded_at`,
		a.Identity, a.SourceURL, a.LocalPath, a.ContentType, a.DownloadedAt)
	if err != nil {
		return ioErr("upsert avatar", err)
	}
	return nil
}

// GetAvatar returns the avatar record for an identity, or nil.
func (db *DB) GetAvatar(identity string) (*Avatar, error) {
	var a Avatar
	err := db.QueryRow(`
		SELECT identity, source_url, local_path, content_type, downloaded_at
		FROM avatars WHERE identity = ?`, identity).
		Scan(&a.Identity, &a.SourceURL, &a.LocalPath, &a.ContentType, &a.DownloadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("get avatar", err)
	}
	return &a, nil
}

// DeleteAvatar drops the avatar record for an identity.
func (db *DB) DeleteAvatar(identity string) error {
	if _, err := db.Exec(`DELETE FROM avatars WHERE identity = ?`, identity); err != nil {
		return ioErr("delete avatar", err)
	}
	return nil
}
