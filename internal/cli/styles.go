package cli

import "github.com/charmbracelet/lipgloss"

// Terminal palette for human-facing command output. Log lines still go
// through logrus; these styles are only for direct stdout writes.
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFCC00"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
)
