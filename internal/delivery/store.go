package delivery

import "errors"

// ErrPeerNotFound is returned when a message targets an identity the
// directory does not know.
var ErrPeerNotFound = errors.New("target identity not found")

// StoredMessage is one persisted message on the server side.
type StoredMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	Kind       string
	CreatedAt  int64 // unix milliseconds, server-assigned
	Status     string
}

// MessageStore is the durable persistence boundary for delivered messages.
// The delivery handler treats it as opaque; failures are reported back to
// the emitting connection and never retried server-side.
type MessageStore interface {
	// SaveMessage persists m, assigning ID and CreatedAt.
	SaveMessage(m *StoredMessage) error
	// MarkRead flips the given messages (or all unread from sender to
	// receiver when ids is empty) to read and returns the affected IDs.
	MarkRead(receiverID, senderID string, ids []string) ([]string, error)
	// History returns the conversation between two identities, newest page
	// first, pages starting at 1.
	History(idA, idB string, page, pageSize int) ([]StoredMessage, error)
}

// ProfileSnapshot is the public slice of a profile held in the online
// registry and served to contacts.
type ProfileSnapshot struct {
	Identity    string
	StorageID   string
	DisplayName string
	AvatarURL   string
	Status      string
	StatusText  string
}

// Directory answers who an identity's contacts are and resolves the opaque
// storage ID format to login IDs. Account storage itself lives outside this
// system.
type Directory interface {
	// Contacts returns the login IDs to notify about identity's presence.
	Contacts(loginID string) ([]string, error)
	// Profile returns the public profile snapshot for an identity.
	Profile(loginID string) (ProfileSnapshot, error)
	// ResolveStorageID maps a storage ID to its login ID.
	ResolveStorageID(storageID string) (loginID string, ok bool)
}
