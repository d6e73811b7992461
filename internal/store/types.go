package store

import "strings"

// SyncStatus is the delivery state of a message.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// MediaType classifies message content.
type MediaType string

const (
	MediaText     MediaType = "text"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// ChannelType distinguishes one-to-one conversations from groups.
type ChannelType string

const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// Media holds the attachment fields of a non-text message.
type Media struct {
	Size       int64
	DurationMs int64
	LocalPath  string
	RemoteURL  string
	MimeType   string
}

// Message is one chat message, local or remote in origin.
// ServerID is zero until the backend has confirmed the message.
type Message struct {
	ID         string
	ServerID   int64
	ChannelID  int64
	AuthorID   int64
	AuthorName string
	Body       string
	Subject    string
	MediaType  MediaType
	Media      Media
	Timestamp  int64
	SyncStatus SyncStatus
	Attempts   int
	LastError  string
	CreatedAt  int64
}

// Optimistic reports whether the message has not been confirmed by the backend.
func (m *Message) Optimistic() bool {
	return m.ServerID == 0
}

// Channel is a conversation. Name and membership are backend-authoritative.
type Channel struct {
	ID          int64
	Name        string
	Type        ChannelType
	MemberCount int
	UpdatedAt   int64
}

// NormalizeBody returns the equality key used to pair an optimistic message
// with its confirmed echo: surrounding whitespace trimmed, inner runs collapsed.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}
