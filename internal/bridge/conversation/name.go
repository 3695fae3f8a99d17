package conversation

import (
	"fmt"
	"strings"
)

// maxChannelNameLen is the platform's channel name limit.
const maxChannelNameLen = 80

// NormalizeChannelName applies the platform's naming rules: lowercase,
// every run of characters outside [a-z0-9-] becomes a single '-', runs of
// '-' collapse, leading and trailing '-' are trimmed.
func NormalizeChannelName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastDash := false
	for _, r := range strings.ToLower(name) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if !ok {
			r = '-'
		}
		if r == '-' {
			if lastDash {
				continue
			}
			lastDash = true
		} else {
			lastDash = false
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxChannelNameLen {
		out = strings.Trim(out[:maxChannelNameLen], "-")
	}
	return out
}

// SuggestForkName picks a channel name for a fork of source: "<source>-fork"
// when free, otherwise the first free "-<k>" suffix counting from 1. Gaps
// left by deleted channels are reused. taken reports whether a candidate
// name already exists.
func SuggestForkName(source string, taken func(string) bool) string {
	base := NormalizeChannelName(source)

	// Leave room for the suffix within the name limit.
	const reserve = len("-fork-9999")
	if len(base) > maxChannelNameLen-reserve {
		base = strings.Trim(base[:maxChannelNameLen-reserve], "-")
	}

	candidate := base + "-fork"
	if !taken(candidate) {
		return candidate
	}
	for k := 1; k <= 9999; k++ {
		candidate = fmt.Sprintf("%s-fork-%d", base, k)
		if !taken(candidate) {
			return candidate
		}
	}
	// Every suffix is occupied; hand back the base and let the platform
	// reject the duplicate.
	return base + "-fork"
}
