// Package reaction manages the status emoji on the user message that
// started a turn. Reactions are advisory: failures are logged and never
// propagate into turn handling.
package reaction

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/internal/chat"
)

const (
	EmojiProcessing = "hourglass_flowing_sand"
	EmojiError      = "x"
	EmojiAborted    = "octagonal_sign"
)

// State orders the per-message lifecycle. Transitions only move forward:
// once a message reaches a terminal state, later calls are ignored.
type State int

const (
	StateNone State = iota
	StateProcessing
	StateDone
	StateError
	StateAborted
)

func (s State) terminal() bool { return s >= StateDone }

type msgRef struct {
	channel string
	ts      string
}

// Manager tracks one reaction state per message and keeps the platform in
// sync. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	chat   chat.Client
	states map[msgRef]State
}

func NewManager(chatClient chat.Client) *Manager {
	return &Manager{
		chat:   chatClient,
		states: make(map[msgRef]State),
	}
}

// StartProcessing marks the message as in progress with an hourglass.
func (m *Manager) StartProcessing(ctx context.Context, channelID, ts string) {
	if !m.advance(channelID, ts, StateProcessing) {
		return
	}
	m.add(ctx, channelID, ts, EmojiProcessing)
}

// Complete clears the hourglass after a successful turn.
func (m *Manager) Complete(ctx context.Context, channelID, ts string) {
	if !m.advance(channelID, ts, StateDone) {
		return
	}
	m.remove(ctx, channelID, ts, EmojiProcessing)
}

// Fail swaps the hourglass for an error mark.
func (m *Manager) Fail(ctx context.Context, channelID, ts string) {
	if !m.advance(channelID, ts, StateError) {
		return
	}
	m.remove(ctx, channelID, ts, EmojiProcessing)
	m.add(ctx, channelID, ts, EmojiError)
}

// Abort swaps the hourglass for a stop sign.
func (m *Manager) Abort(ctx context.Context, channelID, ts string) {
	if !m.advance(channelID, ts, StateAborted) {
		return
	}
	m.remove(ctx, channelID, ts, EmojiProcessing)
	m.add(ctx, channelID, ts, EmojiAborted)
}

// Forget drops tracking state for a settled message.
func (m *Manager) Forget(channelID, ts string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, msgRef{channelID, ts})
}

// advance applies the monotonic transition rule and reports whether the
// platform should be touched.
func (m *Manager) advance(channelID, ts string, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := msgRef{channelID, ts}
	cur := m.states[ref]
	if cur.terminal() || to <= cur {
		return false
	}
	m.states[ref] = to
	return true
}

func (m *Manager) add(ctx context.Context, channelID, ts, emoji string) {
	err := m.chat.AddReaction(ctx, channelID, ts, emoji)
	if err != nil && !errors.Is(err, chat.ErrAlreadyReacted) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"channel": channelID,
			"emoji":   emoji,
		}).Debug("Failed to add reaction")
	}
}

func (m *Manager) remove(ctx context.Context, channelID, ts, emoji string) {
	err := m.chat.RemoveReaction(ctx, channelID, ts, emoji)
	if err != nil && !errors.Is(err, chat.ErrNoReaction) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"channel": channelID,
			"emoji":   emoji,
		}).Debug("Failed to remove reaction")
	}
}
