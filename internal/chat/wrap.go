package chat

import (
	"context"
	"io"
)

// retryClient wraps a Client so every outbound call runs through Do.
// Read-only probes (FileShareTS, BotUserID) pass straight through since
// their callers already poll.
type retryClient struct {
	inner Client
	obs   RetryObserver
}

// WithRetry returns a Client whose calls retry transient platform failures.
// obs may be nil.
func WithRetry(inner Client, obs RetryObserver) Client {
	return &retryClient{inner: inner, obs: obs}
}

func (r *retryClient) PostMessage(ctx context.Context, channelID string, msg Message) (string, error) {
	var ts string
	err := Do(ctx, "chat.postMessage", r.obs, func() error {
		var err error
		ts, err = r.inner.PostMessage(ctx, channelID, msg)
		return err
	})
	return ts, err
}

func (r *retryClient) UpdateMessage(ctx context.Context, channelID, ts string, msg Message) error {
	return Do(ctx, "chat.update", r.obs, func() error {
		return r.inner.UpdateMessage(ctx, channelID, ts, msg)
	})
}

func (r *retryClient) UploadFile(ctx context.Context, up FileUpload) (string, error) {
	var fileID string
	err := Do(ctx, "files.upload", r.obs, func() error {
		var err error
		fileID, err = r.inner.UploadFile(ctx, up)
		return err
	})
	return fileID, err
}

func (r *retryClient) FileShareTS(ctx context.Context, fileID, channelID string) (string, error) {
	return r.inner.FileShareTS(ctx, fileID, channelID)
}

func (r *retryClient) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	// No retry: a partial body may already be in w.
	return r.inner.DownloadFile(ctx, url, w)
}

func (r *retryClient) AddReaction(ctx context.Context, channelID, ts, emoji string) error {
	return Do(ctx, "reactions.add", r.obs, func() error {
		return r.inner.AddReaction(ctx, channelID, ts, emoji)
	})
}

func (r *retryClient) RemoveReaction(ctx context.Context, channelID, ts, emoji string) error {
	return Do(ctx, "reactions.remove", r.obs, func() error {
		return r.inner.RemoveReaction(ctx, channelID, ts, emoji)
	})
}

func (r *retryClient) OpenDM(ctx context.Context, userID string) (string, error) {
	var channelID string
	err := Do(ctx, "conversations.open", r.obs, func() error {
		var err error
		channelID, err = r.inner.OpenDM(ctx, userID)
		return err
	})
	return channelID, err
}

func (r *retryClient) CreateChannel(ctx context.Context, name string) (string, error) {
	var channelID string
	err := Do(ctx, "conversations.create", r.obs, func() error {
		var err error
		channelID, err = r.inner.CreateChannel(ctx, name)
		return err
	})
	return channelID, err
}

func (r *retryClient) InviteUsers(ctx context.Context, channelID string, userIDs []string) error {
	return Do(ctx, "conversations.invite", r.obs, func() error {
		return r.inner.InviteUsers(ctx, channelID, userIDs)
	})
}

func (r *retryClient) ChannelName(ctx context.Context, channelID string) (string, error) {
	var name string
	err := Do(ctx, "conversations.info", r.obs, func() error {
		var err error
		name, err = r.inner.ChannelName(ctx, channelID)
		return err
	})
	return name, err
}

func (r *retryClient) BotUserID() string {
	return r.inner.BotUserID()
}
