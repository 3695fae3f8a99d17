package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cp "github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/codex"
)

// DefaultFileName is the session document's on-disk name.
const DefaultFileName = "sessions.json"

type fileData struct {
	Channels map[string]*ChannelSession `json:"channels"`
}

// Store is the durable session mapping. Every mutation runs under one
// process-wide mutex and ends with a full rewrite of the JSON document;
// readers never observe a partially written file because the rewrite goes
// through a rename.
type Store struct {
	path string

	mu   sync.Mutex
	data fileData

	now func() time.Time
}

// NewStore loads (or initialises) the document at path. A missing file is
// an empty store; a malformed file is backed up next to itself and replaced
// by an empty store. Neither case is an error.
func NewStore(path string) *Store {
	s := &Store{
		path: path,
		data: fileData{Channels: make(map[string]*ChannelSession)},
		now:  time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).Errorf("failed to read %s, starting empty", s.path)
		}
		return
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if cpErr := cp.Copy(s.path, backup); cpErr != nil {
			logrus.WithError(cpErr).Error("failed to back up corrupt session file")
		} else {
			logrus.WithError(err).Errorf("session file is corrupt, backed up to %s and starting empty", backup)
		}
		return
	}
	if data.Channels == nil {
		data.Channels = make(map[string]*ChannelSession)
	}
	s.data = data
}

// persist writes the document atomically. Callers hold s.mu.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace sessions: %w", err)
	}
	return nil
}

func (s *Store) ensureChannel(channelID string) *ChannelSession {
	ch, ok := s.data.Channels[channelID]
	if !ok {
		now := s.now().Unix()
		ch = &ChannelSession{CreatedAt: now, LastActiveAt: now}
		s.data.Channels[channelID] = ch
	}
	return ch
}

// GetSession returns a copy of the channel record, or nil.
func (s *Store) GetSession(channelID string) *ChannelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Channels[channelID].clone()
}

// GetThreadSession returns a copy of the thread record, or nil.
func (s *Store) GetThreadSession(channelID, threadTS string) *ThreadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.data.Channels[channelID]
	if ch == nil || ch.Threads == nil {
		return nil
	}
	return ch.Threads[threadTS].clone()
}

// Channels returns a copy of every channel record, keyed by channel id.
func (s *Store) Channels() map[string]*ChannelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ChannelSession, len(s.data.Channels))
	for id, ch := range s.data.Channels {
		out[id] = ch.clone()
	}
	return out
}

// GetEffectiveThreadID resolves the subprocess thread for a conversation:
// the thread-scoped id when set, otherwise the channel-scoped id.
func (s *Store) GetEffectiveThreadID(channelID, threadTS string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.data.Channels[channelID]
	if ch == nil {
		return ""
	}
	if threadTS != "" && ch.Threads != nil {
		if th := ch.Threads[threadTS]; th != nil && th.ThreadID != "" {
			return th.ThreadID
		}
	}
	return ch.ThreadID
}

// GetEffectiveWorkingDir resolves the working directory with the same
// thread→channel fallback. The locked path wins over the mutable one.
func (s *Store) GetEffectiveWorkingDir(channelID, threadTS string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.data.Channels[channelID]
	if ch == nil {
		return ""
	}
	if threadTS != "" && ch.Threads != nil {
		if th := ch.Threads[threadTS]; th != nil && th.WorkingDir != "" {
			return th.WorkingDir
		}
	}
	return effectiveChannelDir(ch)
}

func effectiveChannelDir(ch *ChannelSession) string {
	if ch.PathConfigured && ch.ConfiguredPath != "" {
		return ch.ConfiguredPath
	}
	return ch.WorkingDir
}

// GetEffectiveApprovalPolicy resolves the approval policy, thread first.
func (s *Store) GetEffectiveApprovalPolicy(channelID, threadTS string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.data.Channels[channelID]
	if ch == nil {
		return ""
	}
	if threadTS != "" && ch.Threads != nil {
		if th := ch.Threads[threadTS]; th != nil && th.ApprovalPolicy != "" {
			return th.ApprovalPolicy
		}
	}
	return ch.ApprovalPolicy
}

// SaveSession upserts a whole channel record.
func (s *Store) SaveSession(channelID string, sess *ChannelSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := sess.clone()
	stored.LastActiveAt = s.now().Unix()
	if stored.CreatedAt == 0 {
		stored.CreatedAt = stored.LastActiveAt
	}
	s.data.Channels[channelID] = stored
	return s.persist()
}

// SaveThreadSession upserts a thread record under its channel.
func (s *Store) SaveThreadSession(channelID, threadTS string, th *ThreadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if ch.Threads == nil {
		ch.Threads = make(map[string]*ThreadSession)
	}
	stored := th.clone()
	stored.LastActiveAt = s.now().Unix()
	if stored.CreatedAt == 0 {
		stored.CreatedAt = stored.LastActiveAt
	}
	ch.Threads[threadTS] = stored
	ch.LastActiveAt = stored.LastActiveAt
	return s.persist()
}

// SetThreadID records a successful thread/start or thread/resume. The old
// id, when different, moves to previousThreadIds.
func (s *Store) SetThreadID(channelID, threadTS, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	now := s.now().Unix()
	ch.LastActiveAt = now

	if threadTS != "" {
		if ch.Threads == nil {
			ch.Threads = make(map[string]*ThreadSession)
		}
		th := ch.Threads[threadTS]
		if th == nil {
			th = &ThreadSession{CreatedAt: now}
			ch.Threads[threadTS] = th
		}
		if th.ThreadID != "" && th.ThreadID != threadID {
			th.PreviousThreadIDs = append(th.PreviousThreadIDs, th.ThreadID)
		}
		th.ThreadID = threadID
		th.LastActiveAt = now
		return s.persist()
	}

	if ch.ThreadID != "" && ch.ThreadID != threadID {
		ch.PreviousThreadIDs = append(ch.PreviousThreadIDs, ch.ThreadID)
	}
	ch.ThreadID = threadID
	return s.persist()
}

// SaveApprovalPolicy validates and stores the policy at the right scope.
func (s *Store) SaveApprovalPolicy(channelID, threadTS, policy string) error {
	if !ValidPolicy(policy) {
		return fmt.Errorf("invalid approval policy %q", policy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if threadTS != "" {
		if ch.Threads == nil {
			ch.Threads = make(map[string]*ThreadSession)
		}
		th := ch.Threads[threadTS]
		if th == nil {
			th = &ThreadSession{CreatedAt: s.now().Unix()}
			ch.Threads[threadTS] = th
		}
		th.ApprovalPolicy = policy
	} else {
		ch.ApprovalPolicy = policy
	}
	return s.persist()
}

// SaveModelSettings stores model and reasoning effort. Empty values keep
// the previous setting.
func (s *Store) SaveModelSettings(channelID, threadTS, model, effort string) error {
	if effort != "" && !ValidReasoningEffort(effort) {
		return fmt.Errorf("invalid reasoning effort %q", effort)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if threadTS != "" {
		if ch.Threads == nil {
			ch.Threads = make(map[string]*ThreadSession)
		}
		th := ch.Threads[threadTS]
		if th == nil {
			th = &ThreadSession{CreatedAt: s.now().Unix()}
			ch.Threads[threadTS] = th
		}
		if model != "" {
			th.Model = model
		}
		if effort != "" {
			th.ReasoningEffort = effort
		}
	} else {
		if model != "" {
			ch.Model = model
		}
		if effort != "" {
			ch.ReasoningEffort = effort
		}
	}
	return s.persist()
}

// SaveThreadCharLimit stores the clamped per-channel char limit.
func (s *Store) SaveThreadCharLimit(channelID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	ch.ThreadCharLimit = ClampThreadCharLimit(limit)
	return s.persist()
}

// SaveUpdateRate stores the clamped activity update cadence.
func (s *Store) SaveUpdateRate(channelID string, seconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	ch.UpdateRateSeconds = ClampUpdateRate(seconds)
	return s.persist()
}

// SetWorkingDir updates the mutable working directory. Refused once the
// path has been locked.
func (s *Store) SetWorkingDir(channelID, threadTS, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if ch.PathConfigured {
		return fmt.Errorf("working directory is locked to %s", ch.ConfiguredPath)
	}
	if threadTS != "" {
		if ch.Threads == nil {
			ch.Threads = make(map[string]*ThreadSession)
		}
		th := ch.Threads[threadTS]
		if th == nil {
			th = &ThreadSession{CreatedAt: s.now().Unix()}
			ch.Threads[threadTS] = th
		}
		th.WorkingDir = dir
	} else {
		ch.WorkingDir = dir
	}
	return s.persist()
}

// LockPath freezes the channel's working directory at its current
// effective value. Idempotent.
func (s *Store) LockPath(channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if ch.PathConfigured {
		return nil
	}
	dir := effectiveChannelDir(ch)
	if dir == "" {
		return errors.New("no working directory to lock")
	}
	ch.ConfiguredPath = dir
	ch.PathConfigured = true
	ch.ConfiguredBy = userID
	ch.ConfiguredAt = s.now().Unix()
	return s.persist()
}

// RecordTurn appends a turn record at channel scope with the next index.
func (s *Store) RecordTurn(channelID, turnID, slackTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	ch.Turns = append(ch.Turns, TurnRecord{
		TurnID:    turnID,
		TurnIndex: len(ch.Turns),
		SlackTS:   slackTS,
	})
	ch.LastActiveAt = s.now().Unix()
	return s.persist()
}

// SetLastUsage stores the latest token accounting snapshot.
func (s *Store) SetLastUsage(channelID, threadTS string, usage *codex.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureChannel(channelID)
	if threadTS != "" && ch.Threads != nil {
		if th := ch.Threads[threadTS]; th != nil {
			th.LastUsage = usage
		}
	} else {
		ch.LastUsage = usage
	}
	return s.persist()
}

// ClearSession detaches the conversation from its subprocess thread: the
// current id moves to previousThreadIds, usage and channel-scope turns are
// wiped, and an unlocked working directory becomes locked at its pre-clear
// effective value.
func (s *Store) ClearSession(channelID, threadTS, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.data.Channels[channelID]
	if ch == nil {
		logrus.Debugf("clear on unknown channel %s is a no-op", channelID)
		return nil
	}

	preClearDir := effectiveChannelDir(ch)

	if threadTS != "" {
		if ch.Threads != nil {
			if th := ch.Threads[threadTS]; th != nil {
				if th.ThreadID != "" {
					th.PreviousThreadIDs = append(th.PreviousThreadIDs, th.ThreadID)
					th.ThreadID = ""
				}
				th.LastUsage = nil
			}
		}
	} else {
		if ch.ThreadID != "" {
			ch.PreviousThreadIDs = append(ch.PreviousThreadIDs, ch.ThreadID)
			ch.ThreadID = ""
		}
		ch.LastUsage = nil
		ch.Turns = nil
	}

	// Clearing implies pinning the directory so the next thread starts
	// where the previous one ended.
	if !ch.PathConfigured && preClearDir != "" {
		ch.ConfiguredPath = preClearDir
		ch.PathConfigured = true
		ch.ConfiguredBy = userID
		ch.ConfiguredAt = s.now().Unix()
	}
	return s.persist()
}

// DeleteChannelSession removes a channel entry entirely, logging every
// subprocess thread id that becomes orphaned. No-op on unknown channels.
func (s *Store) DeleteChannelSession(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.data.Channels[channelID]
	if !ok {
		logrus.Infof("delete of unknown channel %s is a no-op", channelID)
		return nil
	}

	orphans := make([]string, 0, 4)
	if ch.ThreadID != "" {
		orphans = append(orphans, ch.ThreadID)
	}
	orphans = append(orphans, ch.PreviousThreadIDs...)
	for _, th := range ch.Threads {
		if th.ThreadID != "" {
			orphans = append(orphans, th.ThreadID)
		}
		orphans = append(orphans, th.PreviousThreadIDs...)
	}
	for _, id := range orphans {
		logrus.Infof("channel %s deleted, thread %s orphaned (still resumable)", channelID, id)
	}

	delete(s.data.Channels, channelID)
	return s.persist()
}
