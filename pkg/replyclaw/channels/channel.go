// Package channels defines the transport contracts shared by every messaging
// platform replyclaw can drive. A Platform signs a user account in (or
// restores a previously authenticated one) and yields a Connection, which
// streams incoming messages and exposes the handful of operations the reply
// pipeline needs: recent history, media download and threaded replies.
package channels

import (
	"context"
	"fmt"
	"io"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageOther    MessageType = "other"
)

// Platform is a messaging network on which user accounts can be signed in.
type Platform interface {
	// Name returns the platform identifier (e.g. "telegram", "whatsapp").
	Name() string

	// StartLogin begins an interactive login for accountID (a phone number
	// in international format). The platform sends a one-time code to the
	// account owner or, for pairing-based platforms, issues one that the
	// owner must enter on their phone (see LoginAttempt.DisplayCode).
	StartLogin(ctx context.Context, accountID, password string) (LoginAttempt, error)

	// Restore reconnects a previously authenticated account from its
	// persisted credentials.
	Restore(ctx context.Context, accountID string, credentials []byte) (Connection, error)

	// Forget drops any local platform state tied to the credentials
	// (device keys, caches). It does not touch the replyclaw session record.
	Forget(ctx context.Context, accountID string, credentials []byte) error
}

// LoginAttempt is an in-flight login waiting for its one-time code.
type LoginAttempt interface {
	// DisplayCode returns a code the owner must type on their device, or ""
	// when the platform delivers the code to the owner instead.
	DisplayCode() string

	// Complete finishes the login with the code the owner supplied. On
	// success it returns the live connection and the opaque credentials to
	// persist.
	Complete(ctx context.Context, code string) (Connection, []byte, error)

	// Cancel aborts the attempt and releases its network resources. Safe to
	// call more than once and after Complete.
	Cancel()
}

// Connection is a live, authenticated connection for one account.
type Connection interface {
	AccountID() string
	Platform() string

	// SelfID is the platform identifier of the account itself.
	SelfID() string

	// Receive returns a Go channel that emits incoming messages. It is
	// closed when the connection is disconnected.
	Receive() <-chan *IncomingMessage

	// RecentMessages returns up to limit messages of chatID, newest first.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]HistoryMessage, error)

	// Download streams the media attached to msg into w.
	Download(ctx context.Context, msg *IncomingMessage, w io.Writer) error

	// SendReply sends text into chatID as a reply to replyToID.
	SendReply(ctx context.Context, chatID, replyToID, text string) error

	// SendSelf sends text into the account's own self-chat.
	SendSelf(ctx context.Context, text string) error

	// Ping performs a cheap authenticated round trip.
	Ping(ctx context.Context) error

	Health() HealthStatus
	Disconnect() error
}

// ChatLister is implemented by connections that can enumerate the account's
// chats.
type ChatLister interface {
	ListChats(ctx context.Context, limit int) ([]ChatInfo, error)
}

// ChatInfo describes one chat of an account.
type ChatInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	IsGroup      bool      `json:"is_group"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// IncomingMessage represents a message received on a connection.
type IncomingMessage struct {
	// ID is the unique message identifier within its chat.
	ID string

	// AccountID is the account whose connection observed the message.
	AccountID string

	// Platform identifies the source platform (e.g. "telegram").
	Platform string

	// ChatID is the group or DM identifier.
	ChatID string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	IsGroup bool

	// FromSelf is set when the platform reports the message as authored by
	// the account itself (including messages sent from other devices).
	FromSelf bool

	Type MessageType

	// Content is the text content or media caption.
	Content string

	// Media describes the attachment, if any.
	Media *MediaInfo

	// Timestamp is when the message was sent, as reported by the platform.
	Timestamp time.Time

	// ReceivedAt is when this process observed the message.
	ReceivedAt time.Time
}

// HasVoice reports whether the message carries a voice note.
func (m *IncomingMessage) HasVoice() bool {
	return m.Media != nil && m.Media.Voice
}

// HasImage reports whether the message carries a photo.
func (m *IncomingMessage) HasImage() bool {
	return m.Media != nil && m.Media.Type == MessageImage
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string

	// FileSize is the size in bytes, 0 if unknown.
	FileSize int64

	// Duration is the duration in seconds (audio/video).
	Duration int

	// Voice marks push-to-talk voice notes as opposed to audio files.
	Voice bool

	// Ref is the platform-specific handle used by Connection.Download.
	Ref any
}

// HistoryMessage is one entry of a chat's recent history.
type HistoryMessage struct {
	ID     string
	ChatID string
	From   string

	// Text is the message text or caption, "" for non-text content.
	Text string

	Type      MessageType
	Timestamp time.Time
}

// HealthStatus represents the health state of a connection.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrMediaDownloadFailed = fmt.Errorf("failed to download media")
	ErrNoMedia             = fmt.Errorf("message has no media")
	ErrCodeRejected        = fmt.Errorf("verification code rejected")
	ErrPasswordRequired    = fmt.Errorf("account requires a two-step verification password")
	ErrCredentialsRejected = fmt.Errorf("stored credentials are no longer authorized")
	ErrUnknownPeer         = fmt.Errorf("unknown chat")
)
