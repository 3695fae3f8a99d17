package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaycode-dev/relaycode/internal/bridge"
	"github.com/relaycode-dev/relaycode/internal/config"
	"github.com/relaycode-dev/relaycode/pkg/daemon"
	"github.com/relaycode-dev/relaycode/pkg/fs"
	"github.com/relaycode-dev/relaycode/pkg/lock"
)

// loadConfig loads the configuration from the directory named by the
// persistent --config flag, falling back to ~/.relaycode. Commands that can
// run without Slack credentials call this without Validate.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfDir()
	} else {
		expanded, err := fs.ExpandPath(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve config directory: %w", err)
		}
		dir = expanded
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// ServeCommand runs the bridge in the foreground, or detached with --daemon.
func ServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Slack bridge",
		Long: `Start the bridge: connect to Slack over Socket Mode, launch the Codex
app server subprocess and relay turns between the two until stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunServe(cmd, version)
		},
	}
	cmd.Flags().Bool("daemon", false, "Run in the background (default: false)")
	cmd.Flags().String("log-file", "", "Log file path (default in daemon mode: <data_dir>/log/relaycode.log)")
	return cmd
}

// RunServe is the body of the serve command. The root command reuses it so a
// bare `relaycode` starts the bridge in the foreground.
func RunServe(cmd *cobra.Command, version string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The root command does not register these flags; GetBool/GetString
	// return zero values there, which means foreground with default logging.
	daemonMode, _ := cmd.Flags().GetBool("daemon")
	logFile, _ := cmd.Flags().GetString("log-file")
	if logFile == "" {
		logFile = cfg.Log.File
	}
	if logFile == "" && daemonMode {
		logFile = filepath.Join(cfg.LogDir(), "relaycode.log")
	}

	if logrus.GetLevel() != logrus.TraceLevel {
		if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			logrus.SetLevel(level)
		}
	}

	if logFile != "" {
		rot := daemon.DefaultLogRotationConfig(logFile)
		rot.MaxSize = cfg.Log.MaxSizeMB
		rot.MaxBackups = cfg.Log.MaxBackups
		rot.MaxAge = cfg.Log.MaxAgeDays
		rot.Compress = cfg.Log.Compress
		logWriter := daemon.NewLogger(rot)
		if daemonMode {
			logrus.SetOutput(logWriter)
		} else {
			logrus.SetOutput(io.MultiWriter(os.Stderr, logWriter))
		}
	}

	// Fork into the background before touching the lock so the child owns it.
	if daemonMode && !daemon.IsDaemonProcess() {
		fmt.Printf("Starting relaycode %s in the background...\n", version)
		fmt.Printf("Logging to: %s\n", logFile)
		if cfg.API.Enabled {
			fmt.Printf("Admin API: http://%s\n", cfg.API.Listen)
		}
		fmt.Println(mutedStyle.Render("Use 'relaycode stop' to stop it."))
		if err := daemon.Daemonize(); err != nil {
			return fmt.Errorf("failed to daemonize: %w", err)
		}
		// Daemonize calls os.Exit(0) in the parent, so we never reach here.
	}

	if err := fs.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	fileLock := lock.NewFileLock(cfg.DataDir)
	if fileLock.IsLocked() {
		fmt.Println(warnStyle.Render("relaycode is already running."))
		fmt.Println(mutedStyle.Render("Tip: use 'relaycode stop' to stop it first."))
		return nil
	}
	if err := fileLock.TryLock(); err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer fileLock.Unlock()

	b, err := bridge.New(cfg, version)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	logrus.WithField("version", version).Info("Starting relaycode")
	return b.Run(ctx)
}

// StopCommand signals a running instance to shut down.
func StopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running relaycode instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			fileLock := lock.NewFileLock(cfg.DataDir)
			if !fileLock.IsLocked() {
				fmt.Println(mutedStyle.Render("relaycode is not running."))
				return nil
			}

			fmt.Println("Stopping relaycode...")
			if err := stopWithFileLock(fileLock); err != nil {
				return fmt.Errorf("failed to stop relaycode: %w", err)
			}
			fmt.Println(successStyle.Render("relaycode stopped."))
			return nil
		},
	}
}

// stopWithFileLock terminates the process recorded in the PID file. SIGTERM
// triggers the bridge's graceful shutdown; SIGKILL is the fallback when the
// lock is still held after 30 seconds.
func stopWithFileLock(fileLock *lock.FileLock) error {
	pid, err := fileLock.GetPID()
	if err != nil {
		return fmt.Errorf("lock file does not exist or is invalid: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send shutdown signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		if !fileLock.IsLocked() {
			return nil
		}
		time.Sleep(1 * time.Second)
	}

	fmt.Println(warnStyle.Render("relaycode did not stop gracefully, force killing..."))
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to force kill process: %w", err)
	}
	return nil
}
