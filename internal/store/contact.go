package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertContact inserts or updates a contact.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	var storageID any
	if c.StorageID != "" {
		storageID = c.StorageID
	}
	_, err := db.Exec(`
		INSERT INTO contacts (identity, storage_id, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			storage_id = COALESCE(excluded.storage_id, contacts.storage_id),
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
			updated_at = excluded.updated_at`,
		c.Identity, storageID, c.DisplayName, now)
	if err != nil {
		return ioErr("upsert contact", err)
	}
	return nil
}

// BulkUpsertContacts inserts or updates multiple contacts in one transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return ioErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		var storageID any
		if c.StorageID != "" {
			storageID = c.StorageID
		}
		if _, err := tx.Exec(`
			INSERT INTO contacts (identity, storage_id, display_name, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				storage_id = COALESCE(excluded.storage_id, contacts.storage_id),
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
				updated_at = excluded.updated_at`,
			c.Identity, storageID, c.DisplayName, now); err != nil {
			return ioErr(fmt.Sprintf("upsert contact %q", c.Identity), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr("commit contacts", err)
	}
	return nil
}

// GetContact returns a contact by canonical identity, or nil.
func (db *DB) GetContact(identity string) (*Contact, error) {
	var c Contact
	var storageID sql.NullString
	err := db.QueryRow(`SELECT identity, storage_id, display_name FROM contacts WHERE identity = ?`, identity).
		Scan(&c.Identity, &storageID, &c.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("get contact", err)
	}
	c.StorageID = storageID.String
	return &c, nil
}

// ListContacts returns all contacts ordered by display name.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT identity, storage_id, display_name FROM contacts ORDER BY display_name, identity`)
	if err != nil {
		return nil, ioErr("list contacts", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		var storageID sql.NullString
		if err := rows.Scan(&c.Identity, &storageID, &c.DisplayName); err != nil {
			return nil, ioErr("scan contact", err)
		}
		c.StorageID = storageID.String
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list contacts", err)
	}
	return contacts, nil
}

// ResolveStorageID maps a storage ID to its login ID via the contacts table,
// making *DB usable as an identity.Resolver.
func (db *DB) ResolveStorageID(storageID string) (string, bool) {
	var login string
	err := db.QueryRow(`SELECT identity FROM contacts WHERE storage_id = ?`, storageID).Scan(&login)
	if err != nil {
		return "", false
	}
	return login, true
}
