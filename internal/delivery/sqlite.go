package delivery

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mistnote/mistnote/internal/delivery/migrations"
)

// SQLiteStore backs MessageStore and Directory with a single SQLite
// database. All writes go through the hub's connection handlers, which keeps
// contention low enough for WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the server database, applying pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping server db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveMessage assigns the message an ID and server timestamp and persists it.
func (s *SQLiteStore) SaveMessage(m *StoredMessage) error {
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UnixMilli()
	if m.Kind == "" {
		m.Kind = "text"
	}
	m.Status = "sent"
	_, err := s.db.Exec(`
		INSERT INTO messages (id, sender_id, receiver_id, content, kind, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.Kind, m.CreatedAt, m.Status)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// MarkRead marks the given messages from senderID to receiverID as read.
// With no explicit ids, every unread message in that direction is marked.
func (s *SQLiteStore) MarkRead(receiverID, senderID string, ids []string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if len(ids) == 0 {
		rows, err = s.db.Query(`
			SELECT id FROM messages
			WHERE sender_id = ? AND receiver_id = ? AND status != 'read'`,
			senderID, receiverID)
	} else {
		args := make([]any, 0, len(ids)+2)
		args = append(args, senderID, receiverID)
		for _, id := range ids {
			args = append(args, id)
		}
		rows, err = s.db.Query(`
			SELECT id FROM messages
			WHERE sender_id = ? AND receiver_id = ? AND status != 'read'
			AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("mark read select: %w", err)
	}
	defer rows.Close()

	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("mark read scan: %w", err)
		}
		affected = append(affected, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark read rows: %w", err)
	}
	if len(affected) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(affected))
	for _, id := range affected {
		args = append(args, id)
	}
	_, err = s.db.Exec(`
		UPDATE messages SET status = 'read'
		WHERE id IN (?`+strings.Repeat(",?", len(affected)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("mark read update: %w", err)
	}
	return affected, nil
}

// History returns the conversation between two identities, newest first.
// Pages start at 1.
func (s *SQLiteStore) History(idA, idB string, page, pageSize int) ([]StoredMessage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	rows, err := s.db.Query(`
		SELECT id, sender_id, receiver_id, content, kind, created_at, status
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		idA, idB, idB, idA, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Kind, &m.CreatedAt, &m.Status); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

// UpsertAccount registers or updates an account record.
func (s *SQLiteStore) UpsertAccount(p ProfileSnapshot, storageID string) error {
	var sid any
	if storageID != "" {
		sid = storageID
	}
	_, err := s.db.Exec(`
		INSERT INTO accounts (login_id, storage_id, display_name, avatar_url, status, status_text)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(login_id) DO UPDATE SET
			storage_id = excluded.storage_id,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			status = excluded.status,
			status_text = excluded.status_text`,
		p.Identity, sid, p.DisplayName, p.AvatarURL, p.Status, p.StatusText)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// AddContact records that owner should receive presence updates about
// contact, in both directions.
func (s *SQLiteStore) AddContact(ownerID, contactID string) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (owner_id, contact_id) VALUES (?, ?), (?, ?)
		ON CONFLICT(owner_id, contact_id) DO NOTHING`,
		ownerID, contactID, contactID, ownerID)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// Contacts returns the login IDs linked to the given identity.
func (s *SQLiteStore) Contacts(loginID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT contact_id FROM contacts WHERE owner_id = ?`, loginID)
	if err != nil {
		return nil, fmt.Errorf("contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contacts scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts rows: %w", err)
	}
	return out, nil
}

// Profile returns the public profile snapshot for the given identity.
func (s *SQLiteStore) Profile(loginID string) (ProfileSnapshot, error) {
	var p ProfileSnapshot
	var storageID sql.NullString
	err := s.db.QueryRow(`
		SELECT login_id, storage_id, display_name, avatar_url, status, status_text
		FROM accounts WHERE login_id = ?`, loginID).
		Scan(&p.Identity, &storageID, &p.DisplayName, &p.AvatarURL, &p.Status, &p.StatusText)
	if err == sql.ErrNoRows {
		return ProfileSnapshot{}, ErrPeerNotFound
	}
	if err != nil {
		return ProfileSnapshot{}, fmt.Errorf("profile: %w", err)
	}
	p.StorageID = storageID.String
	return p, nil
}

// ResolveStorageID maps an account's storage ID to its login ID.
func (s *SQLiteStore) ResolveStorageID(storageID string) (string, bool) {
	var loginID string
	err := s.db.QueryRow(`SELECT login_id FROM accounts WHERE storage_id = ?`, storageID).Scan(&loginID)
	if err != nil {
		return "", false
	}
	return loginID, true
}
