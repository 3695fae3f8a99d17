package streaming

import (
	"fmt"
	"strings"

	"github.com/relaycode-dev/relaycode/internal/bridge/activity"
)

const (
	panelWindowEntries = 20
	panelWindowChars   = 1000
)

// renderPanel builds the live panel text. Called with the stream lock held.
func renderPanel(st *stream, entries []*activity.Entry) string {
	var b strings.Builder
	b.WriteString(headerLine(st))

	if window := activity.RenderWindow(entries, panelWindowEntries, panelWindowChars); window != "" {
		b.WriteString("\n\n")
		b.WriteString(window)
	}

	if line := tokenLine(&st.tokens); line != "" {
		b.WriteString("\n\n")
		b.WriteString(line)
	}
	return b.String()
}

func headerLine(st *stream) string {
	var b strings.Builder
	switch {
	case st.status == StatusRunning && st.abortPending:
		b.WriteString(":octagonal_sign: *Aborting…*")
	case st.status == StatusRunning:
		b.WriteString(":hourglass_flowing_sand: *Working…*")
	case st.status == StatusCompleted:
		b.WriteString(":white_check_mark: *Done*")
	case st.status == StatusInterrupted:
		b.WriteString(":octagonal_sign: *Interrupted*")
	default:
		b.WriteString(":x: *Failed*")
	}

	if st.status != StatusRunning && !st.endedAt.IsZero() {
		if elapsed := st.endedAt.Sub(st.startedAt); elapsed > 0 {
			fmt.Fprintf(&b, " in %s", activity.FormatDuration(elapsed.Milliseconds()))
		}
	}

	model := st.tokens.model
	if model == "" {
		model = st.params.Model
	}
	if model != "" {
		fmt.Fprintf(&b, " · `%s`", model)
	}
	if st.params.Reasoning != "" {
		fmt.Fprintf(&b, " (%s)", st.params.Reasoning)
	}

	if st.toolsSeen > 0 {
		running := len(st.tools)
		if st.status == StatusRunning && running > 0 {
			fmt.Fprintf(&b, " · %d tools, %d running", st.toolsSeen, running)
		} else {
			fmt.Fprintf(&b, " · %d tools", st.toolsSeen)
		}
	}

	if st.statusNote != "" {
		b.WriteString("\n")
		b.WriteString(activity.EscapeText(st.statusNote))
	}
	return b.String()
}

// tokenLine renders per-turn usage once a delta is computable.
func tokenLine(t *tokenTracker) string {
	turn := t.turnTokens()
	if turn <= 0 {
		return ""
	}
	line := fmt.Sprintf(":1234: %s tokens this turn", humanTokens(turn))
	if pct := t.contextPercent(); pct > 0 {
		line += fmt.Sprintf(" · %.1f%% of %s context", pct, humanTokens(t.contextWindow))
	}
	return line
}

func humanTokens(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
}
