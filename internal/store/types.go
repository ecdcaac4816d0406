package store

import (
	"time"

	"github.com/google/uuid"
)

// Bookmark is one saved social-media post. Content fields are immutable
// once imported; only the organizational fields (tags, folder, favorite)
// and the tombstone change afterward. The pipeline holds read-only
// snapshots of these during a query.
type Bookmark struct {
	ID           string // stable external id, the import dedup key
	AuthorHandle string
	AuthorName   string
	Text         string
	PostedAt     time.Time
	SavedAt      time.Time
	URL          string
	MediaURLs    []string
	Tags         []string
	Folder       string // empty = no folder
	Favorite     bool
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is an ordered sequence of turns.
type Conversation struct {
	ID        uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one message within a conversation. Assistant turns carry the
// citation ids and follow-up questions extracted from the answer text,
// and Incomplete marks a turn whose stream was cancelled mid-way.
type Turn struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Text           string
	Citations      []string
	FollowUps      []string
	Incomplete     bool
	SequenceNumber int32
	CreatedAt      time.Time
}
