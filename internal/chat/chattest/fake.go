// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/relaycode-dev/relaycode/internal/chat"
)

type PostedMessage struct {
	ChannelID string
	TS        string
	Msg       chat.Message
}

type UpdatedMessage struct {
	ChannelID string
	TS        string
	Msg       chat.Message
}

type ReactionCall struct {
	ChannelID string
	TS        string
	Emoji     string
	Added     bool
}

type UploadedFile struct {
	FileID string
	Up     chat.FileUpload
}

// FakeClient records every outbound call and fabricates timestamps. Error
// fields, when set, are returned by the matching method.
type FakeClient struct {
	mu     sync.Mutex
	nextTS int
	nextID int

	Posted    []PostedMessage
	Updated   []UpdatedMessage
	Reactions []ReactionCall
	Uploads   []UploadedFile
	DMs       map[string]string
	Created   map[string]string
	Invited   map[string][]string
	Names     map[string]string
	ShareTS   map[string]string
	Downloads map[string][]byte

	PostErr     error
	UpdateErr   error
	UploadErr   error
	ReactionErr error
	DownloadErr error
	BotID       string
}

func New() *FakeClient {
	return &FakeClient{
		DMs:       make(map[string]string),
		Created:   make(map[string]string),
		Invited:   make(map[string][]string),
		Names:     make(map[string]string),
		ShareTS:   make(map[string]string),
		Downloads: make(map[string][]byte),
		BotID:     "UBOT",
	}
}

func (f *FakeClient) PostMessage(_ context.Context, channelID string, msg chat.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PostErr != nil {
		return "", f.PostErr
	}
	f.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", f.nextTS)
	f.Posted = append(f.Posted, PostedMessage{ChannelID: channelID, TS: ts, Msg: msg})
	return ts, nil
}

func (f *FakeClient) UpdateMessage(_ context.Context, channelID, ts string, msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.Updated = append(f.Updated, UpdatedMessage{ChannelID: channelID, TS: ts, Msg: msg})
	return nil
}

func (f *FakeClient) UploadFile(_ context.Context, up chat.FileUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.nextID++
	id := fmt.Sprintf("F%06d", f.nextID)
	f.Uploads = append(f.Uploads, UploadedFile{FileID: id, Up: up})
	return id, nil
}

func (f *FakeClient) FileShareTS(_ context.Context, fileID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ShareTS[fileID], nil
}

func (f *FakeClient) DownloadFile(_ context.Context, url string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DownloadErr != nil {
		return f.DownloadErr
	}
	content, ok := f.Downloads[url]
	if !ok {
		return fmt.Errorf("file_not_found")
	}
	_, err := w.Write(content)
	return err
}

func (f *FakeClient) AddReaction(_ context.Context, channelID, ts, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	f.Reactions = append(f.Reactions, ReactionCall{ChannelID: channelID, TS: ts, Emoji: emoji, Added: true})
	return nil
}

func (f *FakeClient) RemoveReaction(_ context.Context, channelID, ts, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	f.Reactions = append(f.Reactions, ReactionCall{ChannelID: channelID, TS: ts, Emoji: emoji, Added: false})
	return nil
}

func (f *FakeClient) OpenDM(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.DMs[userID]; ok {
		return ch, nil
	}
	ch := "D" + userID
	f.DMs[userID] = ch
	return ch, nil
}

func (f *FakeClient) CreateChannel(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("C%06d", f.nextID)
	f.Created[id] = name
	f.Names[id] = name
	return id, nil
}

func (f *FakeClient) InviteUsers(_ context.Context, channelID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invited[channelID] = append(f.Invited[channelID], userIDs...)
	return nil
}

func (f *FakeClient) ChannelName(_ context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.Names[channelID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("channel_not_found")
}

func (f *FakeClient) BotUserID() string { return f.BotID }

// PostedTexts returns the text of every posted message in order.
func (f *FakeClient) PostedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Posted))
	for i, p := range f.Posted {
		out[i] = p.Msg.Text
	}
	return out
}

// LastPost returns the most recent posted message.
func (f *FakeClient) LastPost() PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Posted) == 0 {
		return PostedMessage{}
	}
	return f.Posted[len(f.Posted)-1]
}

// LastUpdate returns the most recent message edit.
func (f *FakeClient) LastUpdate() UpdatedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Updated) == 0 {
		return UpdatedMessage{}
	}
	return f.Updated[len(f.Updated)-1]
}
