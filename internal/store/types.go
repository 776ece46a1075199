package store

// DeliveryState tracks a message through the optimistic send lifecycle.
type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// SyncStatus tracks whether a cached record has been confirmed by the server.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSynced    SyncStatus = "synced"
	SyncLocalOnly SyncStatus = "localOnly"
)

// Message is one cached chat message. Exactly one of ServerID/TempID is
// authoritative at any time; once ServerID is assigned TempID is cleared and
// the record is immutable except for DeliveryState.
type Message struct {
	RowID           int64
	ConversationKey string
	ServerID        string // empty until the server acknowledges
	TempID          string // empty once ServerID is assigned
	SenderID        string
	ReceiverID      string
	Content         string
	Kind            string // text|image|file|voice|video|system
	CreatedAt       int64  // unix milliseconds, server-assigned once acked
	DeliveryState   DeliveryState
	SyncStatus      SyncStatus
}

// Profile is one cached user profile entry. Read validity is bounded by a
// fixed TTL measured from CachedAt.
type Profile struct {
	Identity    string
	DisplayName string
	AvatarPath  string
	Status      string
	StatusText  string
	LastSeen    int64
	CachedAt    int64
}

// Avatar records a downloaded avatar file on disk.
type Avatar struct {
	Identity     string
	SourceURL    string
	LocalPath    string
	ContentType  string
	DownloadedAt int64
}

// Contact maps a peer's storage ID to its canonical login ID.
type Contact struct {
	Identity    string
	StorageID   string
	DisplayName string
}
