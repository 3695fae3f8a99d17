// Package daemon provides background-process plumbing: daemonization via
// re-exec and rotating log files for the detached process.
package daemon

import (
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// daemonEnv marks the re-executed child so it skips forking again.
const daemonEnv = "_RELAYCODE_DAEMON"

// LogRotationConfig holds log rotation settings.
type LogRotationConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultLogRotationConfig returns the rotation settings used when the
// config file does not override them.
func DefaultLogRotationConfig(logFile string) *LogRotationConfig {
	return &LogRotationConfig{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
}

// NewLogger creates a rotating file writer from the given configuration.
func NewLogger(cfg *LogRotationConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// IsDaemonProcess reports whether the current process is the re-executed
// daemon child.
func IsDaemonProcess() bool {
	return os.Getenv(daemonEnv) == "1"
}
