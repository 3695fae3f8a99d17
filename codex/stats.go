package codex

import "sync/atomic"

// Stats aggregates client-side counters across subprocess incarnations.
// A single Stats value outlives individual clients; restarts keep adding
// to the same counters.
type Stats struct {
	notifications atomic.Int64
	events        atomic.Int64
	dedupedDeltas atomic.Int64
	dedupedTurns  atomic.Int64
	restarts      atomic.Int64
}

func (s *Stats) noteNotification() {
	if s != nil {
		s.notifications.Add(1)
	}
}

func (s *Stats) noteEvent() {
	if s != nil {
		s.events.Add(1)
	}
}

func (s *Stats) noteDedupedDelta() {
	if s != nil {
		s.dedupedDeltas.Add(1)
	}
}

func (s *Stats) noteDedupedTurn() {
	if s != nil {
		s.dedupedTurns.Add(1)
	}
}

func (s *Stats) noteRestart() {
	if s != nil {
		s.restarts.Add(1)
	}
}

// Notifications counts raw notifications received from the app server.
func (s *Stats) Notifications() int64 { return s.notifications.Load() }

// Events counts normalised events emitted to consumers.
func (s *Stats) Events() int64 { return s.events.Load() }

// DedupedDeltas counts delta notifications dropped as duplicates.
func (s *Stats) DedupedDeltas() int64 { return s.dedupedDeltas.Load() }

// DedupedTurnCompletions counts duplicate turn completions dropped.
func (s *Stats) DedupedTurnCompletions() int64 { return s.dedupedTurns.Load() }

// Restarts counts subprocess restarts outside shutdown.
func (s *Stats) Restarts() int64 { return s.restarts.Load() }
