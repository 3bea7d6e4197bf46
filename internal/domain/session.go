package domain

// SessionRecord tracks one live client connection. ConversationID is
// empty until the client subscribes. A record is logically stale once
// ExpiresAt has passed, even if Connected was never flipped false.
type SessionRecord struct {
	SessionID      string
	ConnectionID   string
	UserID         string
	ConversationID string
	Connected      bool
	CreatedAt      int64
	ExpiresAt      int64
}
