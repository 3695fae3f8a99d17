package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
	"github.com/relaycode-dev/relaycode/internal/chat"
)

const (
	defaultMinGap       = 2 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultPollAttempts = 25
	defaultCharLimit    = 500
)

// Config tunes flush pacing and upload polling.
type Config struct {
	// MinGap is the minimum spacing between non-forced posts per
	// conversation. The first post of a batch is exempt.
	MinGap time.Duration
	// PollInterval and PollAttempts bound the wait for an uploaded file's
	// share timestamp.
	PollInterval time.Duration
	PollAttempts int
}

func (c Config) withDefaults() Config {
	if c.MinGap <= 0 {
		c.MinGap = defaultMinGap
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = defaultPollAttempts
	}
	return c
}

// FlushOptions control one flush pass.
type FlushOptions struct {
	// Force bypasses the MinGap spacing check.
	Force bool
	// CharLimit caps chat text; longer content is truncated and uploaded.
	CharLimit int
	// Actions, when set, supplies buttons for newly posted entries.
	Actions func(e *Entry) []chat.Action
	// RenderImage, when set, rasterizes long markdown for an extra image
	// upload. Errors only skip the image.
	RenderImage func(ctx context.Context, markdown string) ([]byte, error)
}

type batch struct {
	entries     []*Entry
	postedCount int
	lastPost    time.Time
	toolTS      map[string]string
	thinkingTS  map[string]string
	postedRevs  map[string]int
	uploaded    map[string]bool
}

func newBatch() *batch {
	return &batch{
		toolTS:     make(map[string]string),
		thinkingTS: make(map[string]string),
		postedRevs: make(map[string]int),
		uploaded:   make(map[string]bool),
	}
}

// Manager owns one entry batch per conversation. Entry mutation and Flush
// for a given conversation are expected to run under the caller's
// per-conversation lock; the manager's own locking only protects the
// cross-conversation map.
type Manager struct {
	mu      sync.Mutex
	chat    chat.Client
	cfg     Config
	batches map[conversation.Key]*batch
	now     func() time.Time
}

func NewManager(chatClient chat.Client, cfg Config) *Manager {
	return &Manager{
		chat:    chatClient,
		cfg:     cfg.withDefaults(),
		batches: make(map[conversation.Key]*batch),
		now:     time.Now,
	}
}

func (m *Manager) batch(key conversation.Key) *batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok {
		b = newBatch()
		m.batches[key] = b
	}
	return b
}

// AddEntry appends an entry to the conversation's batch.
func (m *Manager) AddEntry(key conversation.Key, e *Entry) {
	b := m.batch(key)
	b.entries = append(b.entries, e)
}

// Entries returns the conversation's entries in arrival order.
func (m *Manager) Entries(key conversation.Key) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok {
		return nil
	}
	out := make([]*Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// PostedCount reports how many entries have reached the chat thread.
func (m *Manager) PostedCount(key conversation.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok {
		return 0
	}
	return b.postedCount
}

// ClearEntries drops the conversation's batch; the next turn starts fresh.
func (m *Manager) ClearEntries(key conversation.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, key)
}

// Flush posts unposted entries to the activity thread and refreshes posted
// messages whose entries mutated since. Posts are paced by MinGap unless
// forced. Send failures leave the cursor in place so the next flush retries.
func (m *Manager) Flush(ctx context.Context, key conversation.Key, channelID, threadTS string, opts FlushOptions) error {
	b := m.batch(key)
	now := m.now()
	limit := opts.CharLimit
	if limit <= 0 {
		limit = defaultCharLimit
	}

	if !opts.Force && b.postedCount > 0 && now.Sub(b.lastPost) < m.cfg.MinGap {
		return nil
	}

	var firstErr error
	for b.postedCount < len(b.entries) {
		e := b.entries[b.postedCount]
		var err error
		switch {
		case e.Kind == KindToolStart && e.ToolUseID != "" && b.pendingComplete(e.ToolUseID, b.postedCount+1):
			// The tool already finished before its start line went out.
			// Skip the start; the completion alone carries the message.
		case e.Kind == KindToolComplete && b.toolTS[e.ToolUseID] != "":
			err = m.editEntry(ctx, b, channelID, threadTS, b.toolTS[e.ToolUseID], e, limit, opts)
		case e.Kind == KindThinking && b.thinkingTS[e.ThinkingSegmentID] != "":
			err = m.editEntry(ctx, b, channelID, threadTS, b.thinkingTS[e.ThinkingSegmentID], e, limit, opts)
		default:
			err = m.postEntry(ctx, b, channelID, threadTS, e, limit, opts)
		}
		if err != nil {
			logrus.WithError(err).WithField("conversation", key).Warn("Failed to post activity entry")
			firstErr = err
			break
		}
		b.postedCount++
		b.lastPost = now
	}

	// Re-edit thinking messages whose entries kept streaming after the post.
	for i := 0; i < b.postedCount && i < len(b.entries); i++ {
		e := b.entries[i]
		if e.Kind != KindThinking {
			continue
		}
		ts := b.thinkingTS[e.ThinkingSegmentID]
		if ts == "" || e.rev <= b.postedRevs[thinkKey(e.ThinkingSegmentID)] {
			continue
		}
		if err := m.editEntry(ctx, b, channelID, threadTS, ts, e, limit, opts); err != nil {
			logrus.WithError(err).WithField("conversation", key).Debug("Failed to refresh thinking entry")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pendingComplete reports whether an unposted completion for the tool call
// already sits later in the batch.
func (b *batch) pendingComplete(toolUseID string, from int) bool {
	for i := from; i < len(b.entries); i++ {
		if b.entries[i].Kind == KindToolComplete && b.entries[i].ToolUseID == toolUseID {
			return true
		}
	}
	return false
}

func (m *Manager) postEntry(ctx context.Context, b *batch, channelID, threadTS string, e *Entry, limit int, opts FlushOptions) error {
	full := Render(e)
	text, truncated := TruncateForChat(full, limit)

	msg := chat.Message{Text: text, ThreadTS: threadTS}
	if opts.Actions != nil {
		msg.Actions = opts.Actions(e)
	}
	ts, err := m.chat.PostMessage(ctx, channelID, msg)
	if err != nil {
		return err
	}
	b.record(e, ts)
	if truncated {
		m.uploadFull(ctx, b, channelID, threadTS, e, full, opts)
	}
	return nil
}

func (m *Manager) editEntry(ctx context.Context, b *batch, channelID, threadTS, ts string, e *Entry, limit int, opts FlushOptions) error {
	full := Render(e)
	text, truncated := TruncateForChat(full, limit)
	if err := m.chat.UpdateMessage(ctx, channelID, ts, chat.Message{Text: text, ThreadTS: threadTS}); err != nil {
		return err
	}
	b.record(e, ts)
	if truncated && e.Kind == KindToolComplete {
		m.uploadFull(ctx, b, channelID, threadTS, e, full, opts)
	}
	return nil
}

func (b *batch) record(e *Entry, ts string) {
	switch e.Kind {
	case KindToolStart, KindToolComplete:
		if e.ToolUseID != "" {
			b.toolTS[e.ToolUseID] = ts
		}
	case KindThinking:
		if e.ThinkingSegmentID != "" {
			b.thinkingTS[e.ThinkingSegmentID] = ts
			b.postedRevs[thinkKey(e.ThinkingSegmentID)] = e.rev
		}
	}
}

func thinkKey(segmentID string) string { return "think:" + segmentID }

// uploadFull attaches the untruncated content as a markdown file, plus an
// optional rendered image. Upload failures are logged and never interrupt
// the turn.
func (m *Manager) uploadFull(ctx context.Context, b *batch, channelID, threadTS string, e *Entry, full string, opts FlushOptions) {
	uploadKey := e.ToolUseID
	if uploadKey == "" {
		uploadKey = fmt.Sprintf("entry-%d", e.Timestamp.UnixNano())
	}
	if b.uploaded[uploadKey] {
		return
	}
	b.uploaded[uploadKey] = true

	name := fmt.Sprintf("output-%d.md", m.now().Unix())
	fileID, shareTS, err := chat.UploadAndWait(ctx, m.chat, chat.FileUpload{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		Filename:  name,
		Title:     uploadTitle(e),
		Content:   []byte(full),
	}, m.cfg.PollInterval, m.cfg.PollAttempts)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upload full activity content")
		return
	}
	logrus.WithFields(logrus.Fields{"file": fileID, "shareTs": shareTS}).Debug("Uploaded full activity content")

	if opts.RenderImage == nil {
		return
	}
	png, err := opts.RenderImage(ctx, full)
	if err != nil || len(png) == 0 {
		if err != nil {
			logrus.WithError(err).Debug("Markdown image render failed, keeping text only")
		}
		return
	}
	if _, _, err := chat.UploadAndWait(ctx, m.chat, chat.FileUpload{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		Filename:  fmt.Sprintf("output-%d.png", m.now().Unix()),
		Title:     uploadTitle(e),
		Content:   png,
	}, m.cfg.PollInterval, m.cfg.PollAttempts); err != nil {
		logrus.WithError(err).Debug("Failed to upload rendered image")
	}
}

func uploadTitle(e *Entry) string {
	if e.Tool != "" {
		return e.Tool + " output"
	}
	return "Turn output"
}
