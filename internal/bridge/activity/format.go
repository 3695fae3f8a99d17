package activity

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxInputPreview  = 120
	maxOutputPreview = 50
)

// toolEmoji maps normalized tool names to a marker emoji. Unknown tools get
// a generic gear.
var toolEmoji = map[string]string{
	"commandexecution": ":hammer_and_wrench:",
	"localshellcall":   ":hammer_and_wrench:",
	"command":          ":hammer_and_wrench:",
	"shell":            ":hammer_and_wrench:",
	"bash":             ":hammer_and_wrench:",
	"exec":             ":hammer_and_wrench:",
	"filechange":       ":pencil2:",
	"applypatch":       ":pencil2:",
	"patch":            ":pencil2:",
	"edit":             ":pencil2:",
	"write":            ":pencil2:",
	"read":             ":open_book:",
	"fileread":         ":open_book:",
	"grep":             ":mag:",
	"glob":             ":mag:",
	"search":           ":mag:",
	"websearch":        ":globe_with_meridians:",
	"webfetch":         ":link:",
	"fetch":            ":link:",
	"mcptoolcall":      ":electric_plug:",
	"mcp":              ":electric_plug:",
	"task":             ":robot_face:",
	"agent":            ":robot_face:",
	"plan":             ":clipboard:",
	"updateplan":       ":clipboard:",
}

// normalizeName lowercases and strips separators so camelCase and
// snake_case variants of the same tool collapse to one key.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r == '_' || r == '-' || r == ' ':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ToolEmoji returns the marker emoji for a tool or item type.
func ToolEmoji(tool string) string {
	if e, ok := toolEmoji[normalizeName(tool)]; ok {
		return e
	}
	return ":gear:"
}

// ShowItemType reports whether a completed item of the given type belongs in
// the activity thread. Message and reasoning items are carried by the
// streaming panel instead; unknown types are shown.
func ShowItemType(itemType string) bool {
	switch normalizeName(itemType) {
	case "usermessage", "agentmessage", "reasoning":
		return false
	}
	return true
}

var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

var inlineEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"`", "'",
	"\r", "",
	"\n", " ",
)

// EscapeText entity-escapes free text for the chat renderer.
func EscapeText(s string) string { return textEscaper.Replace(s) }

// escapeInline prepares text for a single-line code span: entities for
// angle brackets, backticks replaced so the span stays closed.
func escapeInline(s string) string { return inlineEscaper.Replace(s) }

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// FormatDuration humanizes a millisecond duration for display.
func FormatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		d := time.Duration(ms) * time.Millisecond
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

// Render produces the chat text for one entry.
func Render(e *Entry) string {
	switch e.Kind {
	case KindToolStart:
		return renderTool(e, true)
	case KindToolComplete:
		return renderTool(e, false)
	case KindThinking:
		return renderThinking(e)
	case KindGenerating:
		return ":speech_balloon: _Writing response…_"
	case KindStarting:
		if e.Text != "" {
			return ":rocket: _" + EscapeText(e.Text) + "_"
		}
		return ":rocket: _Starting turn…_"
	case KindError:
		return ":x: *Error:* " + EscapeText(e.Text)
	case KindAborted:
		if e.Text != "" {
			return ":octagonal_sign: _" + EscapeText(e.Text) + "_"
		}
		return ":octagonal_sign: _Turn aborted_"
	}
	return EscapeText(e.Text)
}

func renderTool(e *Entry, inProgress bool) string {
	var b strings.Builder
	b.WriteString(ToolEmoji(e.Tool))
	b.WriteString(" *")
	b.WriteString(EscapeText(e.Tool))
	b.WriteString("*")
	if in := strings.TrimSpace(e.ToolInput); in != "" {
		b.WriteString(" `")
		b.WriteString(escapeInline(truncateRunes(in, maxInputPreview)))
		b.WriteString("`")
	}
	if inProgress {
		b.WriteString(" _(running)_")
		return b.String()
	}
	for _, part := range metricParts(e) {
		b.WriteString(" · ")
		b.WriteString(part)
	}
	if e.ToolIsError {
		b.WriteString(" :warning:")
		if e.ToolErrorMessage != "" {
			b.WriteString(" ")
			b.WriteString(EscapeText(truncateRunes(e.ToolErrorMessage, maxInputPreview)))
		}
	} else if p := strings.TrimSpace(e.ToolOutputPreview); p != "" {
		b.WriteString("\n→ `")
		b.WriteString(escapeInline(truncateRunes(p, maxOutputPreview)))
		b.WriteString("`")
	}
	return b.String()
}

func metricParts(e *Entry) []string {
	var parts []string
	if e.DurationMs > 0 {
		parts = append(parts, FormatDuration(e.DurationMs))
	}
	if e.LineCount > 0 {
		parts = append(parts, fmt.Sprintf("%d lines", e.LineCount))
	}
	if e.MatchCount > 0 {
		parts = append(parts, fmt.Sprintf("%d matches", e.MatchCount))
	}
	if e.LinesAdded > 0 || e.LinesRemoved > 0 {
		parts = append(parts, fmt.Sprintf("+%d -%d", e.LinesAdded, e.LinesRemoved))
	}
	return parts
}

func renderThinking(e *Entry) string {
	if e.ThinkingInProgress {
		return fmt.Sprintf(":brain: _Thinking…_ (%d chars)", e.CharCount)
	}
	if e.DurationMs > 0 {
		return fmt.Sprintf(":brain: _Thought for %s_ (%d chars)", FormatDuration(e.DurationMs), e.CharCount)
	}
	return fmt.Sprintf(":brain: _Thought_ (%d chars)", e.CharCount)
}

// RenderWindow renders the most recent entries as compact lines, newest
// last. At most maxEntries are shown and the joined text stays under
// maxChars; older entries are dropped whole and summarized by a leading
// marker line.
func RenderWindow(entries []*Entry, maxEntries, maxChars int) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, maxEntries)
	total := 0
	kept := 0
	for i := len(entries) - 1; i >= 0 && kept < maxEntries; i-- {
		line := strings.ReplaceAll(Render(entries[i]), "\n", " ")
		if kept > 0 && total+len(line)+1 > maxChars {
			break
		}
		lines = append(lines, line)
		total += len(line) + 1
		kept++
	}
	dropped := len(entries) - kept
	// reverse back into chronological order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	if dropped > 0 {
		lines = append([]string{fmt.Sprintf("_… %d earlier entries …_", dropped)}, lines...)
	}
	return strings.Join(lines, "\n")
}

// TruncateForChat shortens text to roughly limit runes, closing any dangling
// code fence and appending a marker. The second return reports whether a cut
// happened.
func TruncateForChat(text string, limit int) (string, bool) {
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexByte(cut, '\n'); i > limit/2 {
		cut = cut[:i]
	}
	if strings.Count(cut, "```")%2 == 1 {
		cut += "\n```"
	}
	return cut + "\n_… truncated, full output attached_", true
}
