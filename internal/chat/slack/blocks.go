package slack

import (
	"github.com/slack-go/slack"

	"github.com/relaycode-dev/relaycode/internal/chat"
)

// Slack rejects section blocks over 3000 characters; stay under it so a
// long final answer can still carry buttons.
const sectionLimit = 2900

// msgOptions renders a chat.Message. Plain text goes out as mrkdwn text;
// messages with buttons become section blocks plus one actions block, with
// the text kept as the notification fallback.
func msgOptions(msg chat.Message) []slack.MsgOption {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	if len(msg.Actions) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(messageBlocks(msg)...))
	}
	return opts
}

func messageBlocks(msg chat.Message) []slack.Block {
	var blocks []slack.Block
	for _, part := range splitSections(msg.Text, sectionLimit) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, part, false, false), nil, nil))
	}

	elements := make([]slack.BlockElement, 0, len(msg.Actions))
	for _, a := range msg.Actions {
		button := slack.NewButtonBlockElement(a.ID, a.Value,
			slack.NewTextBlockObject(slack.PlainTextType, a.Label, false, false))
		switch a.Style {
		case chat.StylePrimary:
			button = button.WithStyle(slack.StylePrimary)
		case chat.StyleDanger:
			button = button.WithStyle(slack.StyleDanger)
		}
		elements = append(elements, button)
	}
	return append(blocks, slack.NewActionBlock("", elements...))
}

// splitSections cuts text into rune-safe chunks of at most limit runes,
// preferring newline boundaries.
func splitSections(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
