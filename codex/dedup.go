package codex

import (
	"sync"
	"time"
)

// deltaKeyLen bounds the dedup key; identity is the first 100 characters
// of the delta content, regardless of which item it arrived under.
const deltaKeyLen = 100

// ttlSet is a set whose members expire. Admit reports whether the key was
// newly added; a key already present (and not expired) is rejected. Expired
// entries are swept on every call.
type ttlSet struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (s *ttlSet) Admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, t := range s.seen {
		if now.Sub(t) > s.ttl {
			delete(s.seen, k)
		}
	}

	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = now
	return true
}

func (s *ttlSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// deltaKey truncates delta content to the dedup key length. Truncation is
// by runes so multi-byte content never splits mid-character.
func deltaKey(delta string) string {
	runes := []rune(delta)
	if len(runes) <= deltaKeyLen {
		return delta
	}
	return string(runes[:deltaKeyLen])
}
