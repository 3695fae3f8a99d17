package slack

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/relaycode-dev/relaycode/internal/chat"
)

// Run opens the Socket Mode connection and pumps inbound traffic into h
// until ctx is cancelled. Reconnects are handled by the socketmode client;
// Run only returns on cancellation or a terminal connection error.
func (c *Client) Run(ctx context.Context, h chat.Handler) error {
	go c.dispatch(ctx, h)

	err := c.sock.RunContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("socket mode: %w", err)
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, h chat.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sock.Events:
			if !ok {
				return
			}
			c.handleSocketEvent(ctx, evt, h)
		}
	}
}

func (c *Client) handleSocketEvent(ctx context.Context, evt socketmode.Event, h chat.Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		logrus.Debug("Slack socket connecting")
	case socketmode.EventTypeConnected:
		logrus.Info("Slack socket connected")
	case socketmode.EventTypeConnectionError:
		logrus.WithField("data", evt.Data).Warn("Slack socket connection error")
	case socketmode.EventTypeIncomingError:
		logrus.WithField("data", evt.Data).Warn("Slack socket incoming error")

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Ack before processing: Slack redelivers unacked envelopes and the
		// bridge would see the same message twice.
		if evt.Request != nil {
			c.sock.Ack(*evt.Request)
		}
		c.handleEventsAPI(ctx, apiEvent, h)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.sock.Ack(*evt.Request)
		}
		for _, action := range actionEvents(callback) {
			h.HandleAction(ctx, action)
		}
	}
}

func (c *Client) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent, h chat.Handler) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		msg, ok := messageEvent(ev, c.botUserID)
		if !ok {
			return
		}
		h.HandleMessage(ctx, msg)
	case *slackevents.ChannelDeletedEvent:
		h.HandleChannelDeleted(ctx, ev.Channel)
	}
}

// messageEvent converts a raw message event, dropping bot echoes, edits,
// joins and every other subtype that is not fresh user input.
func messageEvent(ev *slackevents.MessageEvent, selfID string) (chat.MessageEvent, bool) {
	if ev.BotID != "" || ev.User == "" || (selfID != "" && ev.User == selfID) {
		return chat.MessageEvent{}, false
	}
	switch ev.SubType {
	case "", "file_share":
	default:
		return chat.MessageEvent{}, false
	}

	out := chat.MessageEvent{
		ChannelID: ev.Channel,
		ThreadTS:  ev.ThreadTimeStamp,
		UserID:    ev.User,
		BotID:     ev.BotID,
		Text:      ev.Text,
		TS:        ev.TimeStamp,
		IsDM:      ev.ChannelType == "im",
	}
	for _, f := range ev.Files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		out.Files = append(out.Files, chat.File{
			ID:       f.ID,
			Name:     f.Name,
			Mimetype: f.Mimetype,
			URL:      url,
			Size:     int64(f.Size),
		})
	}
	return out, true
}

// actionEvents flattens a block_actions callback into one event per
// clicked button.
func actionEvents(cb slack.InteractionCallback) []chat.ActionEvent {
	if cb.Type != slack.InteractionTypeBlockActions {
		return nil
	}
	var out []chat.ActionEvent
	for _, ba := range cb.ActionCallback.BlockActions {
		if ba == nil {
			continue
		}
		out = append(out, chat.ActionEvent{
			ActionID:  ba.ActionID,
			Value:     ba.Value,
			UserID:    cb.User.ID,
			ChannelID: cb.Channel.ID,
			ThreadTS:  cb.Message.ThreadTimestamp,
			MessageTS: cb.Message.Timestamp,
		})
	}
	return out
}
