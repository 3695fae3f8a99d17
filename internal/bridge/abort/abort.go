// Package abort tracks user-initiated aborts per conversation so late
// subprocess events can tell an intentional interruption from a failure.
package abort

import (
	"sync"

	"github.com/relaycode-dev/relaycode/internal/bridge/conversation"
)

// Registry records which conversations have a user abort in flight. Marks
// survive until the turn finishes and the owner clears them, so a
// turn-completed event that races the interrupt still resolves as aborted.
type Registry struct {
	mu     sync.Mutex
	marked map[conversation.Key]struct{}
}

func NewRegistry() *Registry {
	return &Registry{marked: make(map[conversation.Key]struct{})}
}

// MarkAborted flags the conversation. Idempotent.
func (r *Registry) MarkAborted(key conversation.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked[key] = struct{}{}
}

// IsAborted reports whether the conversation has an abort in flight.
func (r *Registry) IsAborted(key conversation.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[key]
	return ok
}

// Clear removes the mark once the turn has fully settled.
func (r *Registry) Clear(key conversation.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.marked, key)
}
