// Package chat defines the capability surface the bridge needs from a chat
// platform. The bridge core only ever talks to this interface; the slack
// subpackage provides the real implementation.
package chat

import (
	"context"
	"errors"
	"io"
)

// Reaction outcomes the platform may report that callers treat as success.
var (
	ErrAlreadyReacted = errors.New("reaction already exists")
	ErrNoReaction     = errors.New("reaction does not exist")
)

// ButtonStyle selects the platform's button accent.
type ButtonStyle string

const (
	StyleDefault ButtonStyle = ""
	StylePrimary ButtonStyle = "primary"
	StyleDanger  ButtonStyle = "danger"
)

// Action is one interactive button attached to a message. ID routes the
// click back to its owner; Value carries the owner's payload.
type Action struct {
	ID    string
	Label string
	Value string
	Style ButtonStyle
}

// Message is one outbound chat message. ThreadTS threads the message under
// an existing one; empty posts at channel top level.
type Message struct {
	Text     string
	ThreadTS string
	Actions  []Action
}

// FileUpload is one outbound file attachment.
type FileUpload struct {
	ChannelID string
	ThreadTS  string
	Filename  string
	Title     string
	Content   []byte
	Comment   string
}

// File references an inbound user upload.
type File struct {
	ID       string
	Name     string
	Mimetype string
	URL      string
	Size     int64
}

// MessageEvent is one inbound user message.
type MessageEvent struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	BotID     string
	Text      string
	TS        string
	Files     []File
	IsDM      bool
}

// ActionEvent is one inbound button click.
type ActionEvent struct {
	ActionID  string
	Value     string
	UserID    string
	ChannelID string
	ThreadTS  string
	MessageTS string
}

// Handler receives inbound platform traffic. Implementations must not
// block the delivery goroutine for long.
type Handler interface {
	HandleMessage(ctx context.Context, ev MessageEvent)
	HandleAction(ctx context.Context, ev ActionEvent)
	HandleChannelDeleted(ctx context.Context, channelID string)
}

// Client is the outbound chat capability.
type Client interface {
	// PostMessage posts a new message and returns its timestamp.
	PostMessage(ctx context.Context, channelID string, msg Message) (ts string, err error)
	// UpdateMessage rewrites an existing message in place.
	UpdateMessage(ctx context.Context, channelID, ts string, msg Message) error
	// UploadFile uploads a file and returns the platform file id. The file's
	// share timestamp may lag the upload; poll FileShareTS for it.
	UploadFile(ctx context.Context, up FileUpload) (fileID string, err error)
	// FileShareTS probes once for the channel share timestamp of an
	// uploaded file. Empty ts with nil error means not yet visible.
	FileShareTS(ctx context.Context, fileID, channelID string) (ts string, err error)
	// DownloadFile streams a user upload, referenced by File.URL, into w.
	DownloadFile(ctx context.Context, url string, w io.Writer) error

	AddReaction(ctx context.Context, channelID, ts, emoji string) error
	RemoveReaction(ctx context.Context, channelID, ts, emoji string) error

	// OpenDM opens (or reuses) a direct-message channel with the user.
	OpenDM(ctx context.Context, userID string) (channelID string, err error)
	// CreateChannel creates a public channel and returns its id.
	CreateChannel(ctx context.Context, name string) (channelID string, err error)
	InviteUsers(ctx context.Context, channelID string, userIDs []string) error
	// ChannelName resolves a channel id to its current name.
	ChannelName(ctx context.Context, channelID string) (string, error)

	// BotUserID is the authenticated bot's own user id, used to drop
	// self-traffic.
	BotUserID() string
}
