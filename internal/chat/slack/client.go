// Package slack implements chat.Client on the Slack Web API plus a Socket
// Mode event pump. All outbound message traffic shares one token-bucket
// limiter so bursts of streaming edits cannot starve the workspace quota.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/relaycode-dev/relaycode/internal/chat"
)

// Options configure the Slack connection.
type Options struct {
	BotToken string
	AppToken string
	Debug    bool
}

// Client talks to one Slack workspace.
type Client struct {
	api       *slack.Client
	sock      *socketmode.Client
	limiter   *rate.Limiter
	botUserID string
	botID     string
}

// NewClient builds the client. Call Connect before serving traffic.
func NewClient(opts Options) (*Client, error) {
	if opts.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	if !strings.HasPrefix(opts.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app token must start with xapp-")
	}
	api := slack.New(opts.BotToken,
		slack.OptionDebug(opts.Debug),
		slack.OptionAppLevelToken(opts.AppToken),
	)
	return &Client{
		api:     api,
		sock:    socketmode.New(api, socketmode.OptionDebug(opts.Debug)),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Connect verifies the bot token and learns the bot's own identity so the
// event pump can drop self-traffic.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = resp.UserID
	c.botID = resp.BotID
	logrus.Infof("Slack connected as %s (%s)", resp.User, resp.UserID)
	return nil
}

// BotUserID returns the authenticated bot's user id. Empty before Connect.
func (c *Client) BotUserID() string {
	return c.botUserID
}

// mapError normalises slack-go errors into the chat package's vocabulary.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &chat.RateLimitError{RetryAfter: rl.RetryAfter}
	}
	switch err.Error() {
	case "already_reacted":
		return chat.ErrAlreadyReacted
	case "no_reaction":
		return chat.ErrNoReaction
	}
	return err
}

func (c *Client) PostMessage(ctx context.Context, channelID string, msg chat.Message) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, msgOptions(msg)...)
	return ts, mapError(err)
}

func (c *Client) UpdateMessage(ctx context.Context, channelID, ts string, msg chat.Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts, msgOptions(msg)...)
	return mapError(err)
}

func (c *Client) UploadFile(ctx context.Context, up chat.FileUpload) (string, error) {
	summary, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         up.ChannelID,
		ThreadTimestamp: up.ThreadTS,
		Filename:        up.Filename,
		Title:           up.Title,
		FileSize:        len(up.Content),
		Reader:          bytes.NewReader(up.Content),
		InitialComment:  up.Comment,
	})
	if err != nil {
		return "", mapError(err)
	}
	return summary.ID, nil
}

// FileShareTS probes files.info for the message timestamp the upload landed
// under. Slack shares uploads asynchronously, so early probes return "".
func (c *Client) FileShareTS(ctx context.Context, fileID, channelID string) (string, error) {
	info, _, _, err := c.api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return "", mapError(err)
	}
	if info == nil {
		return "", nil
	}
	if shares, ok := info.Shares.Public[channelID]; ok && len(shares) > 0 {
		return shares[0].Ts, nil
	}
	if shares, ok := info.Shares.Private[channelID]; ok && len(shares) > 0 {
		return shares[0].Ts, nil
	}
	return "", nil
}

func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	return mapError(c.api.GetFileContext(ctx, url, w))
}

func (c *Client) AddReaction(ctx context.Context, channelID, ts, emoji string) error {
	return mapError(c.api.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, ts)))
}

func (c *Client) RemoveReaction(ctx context.Context, channelID, ts, emoji string) error {
	return mapError(c.api.RemoveReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, ts)))
}

func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	channel, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return "", mapError(err)
	}
	return channel.ID, nil
}

func (c *Client) CreateChannel(ctx context.Context, name string) (string, error) {
	channel, err := c.api.CreateConversationContext(ctx, slack.CreateConversationParams{
		ChannelName: name,
	})
	if err != nil {
		return "", mapError(err)
	}
	return channel.ID, nil
}

func (c *Client) InviteUsers(ctx context.Context, channelID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := c.api.InviteUsersToConversationContext(ctx, channelID, userIDs...)
	if err != nil {
		switch err.Error() {
		case "already_in_channel", "cant_invite_self":
			return nil
		}
		return mapError(err)
	}
	return nil
}

func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	info, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: channelID,
	})
	if err != nil {
		return "", mapError(err)
	}
	return info.Name, nil
}
