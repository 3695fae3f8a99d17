// Package conversation defines the identity of one logical chat
// conversation and the naming rules for fork channels.
package conversation

import "strings"

// Key identifies a conversation as channelId[":"+threadTs]. A bare channel
// key covers top-level traffic; a thread key scopes one reply thread.
type Key string

// NewKey builds a Key. threadTS may be empty for channel scope.
func NewKey(channelID, threadTS string) Key {
	if threadTS == "" {
		return Key(channelID)
	}
	return Key(channelID + ":" + threadTS)
}

// ParseKey splits a serialised key back into its parts.
func ParseKey(s string) (channelID, threadTS string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// ChannelID returns the channel part.
func (k Key) ChannelID() string {
	c, _ := ParseKey(string(k))
	return c
}

// ThreadTS returns the thread part, empty for channel scope.
func (k Key) ThreadTS() string {
	_, ts := ParseKey(string(k))
	return ts
}

// IsThread reports whether the key is thread-scoped.
func (k Key) IsThread() bool {
	return k.ThreadTS() != ""
}

func (k Key) String() string {
	return string(k)
}
