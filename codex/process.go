package codex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned when an RPC is attempted between incarnations.
var ErrNotRunning = errors.New("app server is not running")

// LauncherConfig controls subprocess supervision.
type LauncherConfig struct {
	// Command is the argv of the app server, e.g. ["codex", "app-server"].
	Command []string
	// WorkingDir is the subprocess working directory. Empty means inherit.
	WorkingDir string
	// Env entries are appended to the inherited environment.
	Env []string

	ClientName    string
	ClientVersion string

	// RestartDelay is the initial backoff between restarts; it doubles up
	// to RestartDelayMax and resets after a stable run.
	RestartDelay    time.Duration
	RestartDelayMax time.Duration

	// OnExit is invoked whenever the subprocess exits outside shutdown,
	// before the restart backoff. In-flight turns must be failed here.
	OnExit func(err error)

	// Stats, when set, receives client counters spanning all incarnations.
	Stats *Stats
}

func (c *LauncherConfig) applyDefaults() {
	if len(c.Command) == 0 {
		c.Command = []string{"codex", "app-server"}
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.RestartDelayMax <= 0 {
		c.RestartDelayMax = 30 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "relaycode"
	}
}

// Launcher spawns the app server, restarts it with backoff when it dies,
// and exposes a stable event stream across incarnations.
type Launcher struct {
	cfg LauncherConfig

	events chan Event

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *Client

	shuttingDown atomic.Bool
	startedAt    time.Time
}

// NewLauncher builds a launcher; call Start to spawn the first incarnation.
func NewLauncher(cfg LauncherConfig) *Launcher {
	cfg.applyDefaults()
	return &Launcher{
		cfg:    cfg,
		events: make(chan Event, 256),
	}
}

// Events is the stable normalised event stream. Never closed; consumers
// should select on their own context.
func (l *Launcher) Events() <-chan Event {
	return l.events
}

// Client returns the current incarnation's RPC facade.
func (l *Launcher) Client() (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, ErrNotRunning
	}
	return l.client, nil
}

// PID returns the running subprocess pid, or 0 between incarnations.
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Running reports whether an incarnation is currently alive.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

// Start spawns the app server and begins supervision. ctx cancellation
// stops the restart policy but not a running process; call Stop for that.
func (l *Launcher) Start(ctx context.Context) error {
	if err := l.spawn(ctx); err != nil {
		return err
	}
	return nil
}

func (l *Launcher) spawn(ctx context.Context) error {
	cmd := exec.Command(l.cfg.Command[0], l.cfg.Command[1:]...)
	cmd.Dir = l.cfg.WorkingDir
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), l.cfg.Env...)
	}
	// Own process group so shutdown signals reach the server's children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", strings.Join(l.cfg.Command, " "), err)
	}
	logrus.Infof("app server started (pid %d)", cmd.Process.Pid)

	go logStderr(stderr)

	tr := NewTransport(stdout, stdin)
	tr.Start()
	client := NewClient(tr)
	client.SetStats(l.cfg.Stats)

	l.mu.Lock()
	l.cmd = cmd
	l.stdin = stdin
	l.client = client
	l.startedAt = time.Now()
	l.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Initialize(initCtx, l.cfg.ClientName, l.cfg.ClientVersion); err != nil {
		logrus.WithError(err).Warn("app server initialize handshake failed")
	}

	go l.pump(client)
	go l.monitor(ctx, cmd, tr)
	return nil
}

// pump forwards one incarnation's events into the stable channel.
func (l *Launcher) pump(client *Client) {
	for {
		select {
		case ev := <-client.Events():
			l.events <- ev
		case <-client.Done():
			// Drain whatever was buffered before the transport died.
			for {
				select {
				case ev := <-client.Events():
					l.events <- ev
				default:
					return
				}
			}
		}
	}
}

// monitor waits for process exit and applies the restart policy.
func (l *Launcher) monitor(ctx context.Context, cmd *exec.Cmd, tr *Transport) {
	err := cmd.Wait()
	tr.Stop()

	l.mu.Lock()
	ran := time.Since(l.startedAt)
	l.client = nil
	l.cmd = nil
	l.mu.Unlock()

	if l.shuttingDown.Load() {
		logrus.Info("app server exited during shutdown")
		return
	}

	if err != nil {
		logrus.WithError(err).Error("app server exited unexpectedly")
	} else {
		logrus.Warn("app server exited")
	}
	if l.cfg.OnExit != nil {
		l.cfg.OnExit(err)
	}

	delay := l.cfg.RestartDelay
	if ran < 30*time.Second {
		// Rapid failures back off harder.
		delay = delay * 4
	}
	if delay > l.cfg.RestartDelayMax {
		delay = l.cfg.RestartDelayMax
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if l.shuttingDown.Load() {
		return
	}
	l.cfg.Stats.noteRestart()
	logrus.Infof("restarting app server after %v", delay)
	if err := l.spawn(ctx); err != nil {
		logrus.WithError(err).Error("app server restart failed")
	}
}

// Stop shuts the subprocess down, escalating on a 2s cadence: stdin close,
// then SIGTERM to the process group, then SIGKILL. Suppresses the restart
// policy for the remainder of the launcher's life.
func (l *Launcher) Stop() {
	l.shuttingDown.Store(true)

	l.mu.Lock()
	cmd := l.cmd
	stdin := l.stdin
	client := l.client
	l.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		// Wait is owned by monitor; poll the pid instead.
		for {
			if !processAlive(cmd.Process.Pid) {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	if stdin != nil {
		_ = stdin.Close()
	}
	if waitOr(done, 2*time.Second) {
		return
	}

	logrus.Warn("app server ignored stdin close, sending SIGTERM")
	signalGroup(cmd.Process.Pid, unix.SIGTERM)
	if waitOr(done, 2*time.Second) {
		return
	}

	logrus.Warn("app server ignored SIGTERM, sending SIGKILL")
	signalGroup(cmd.Process.Pid, unix.SIGKILL)
	waitOr(done, 2*time.Second)
}

func waitOr(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// signalGroup signals the whole process group, falling back to the single
// process when the group is gone.
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil && !isProcessFinishedError(err) {
		if err := unix.Kill(pid, sig); err != nil && !isProcessFinishedError(err) {
			logrus.WithError(err).Warnf("failed to signal app server with %v", sig)
		}
	}
}

func processAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	return unix.Kill(pid, 0) == nil
}

func isProcessFinishedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.ESRCH) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "process already finished") ||
		strings.Contains(s, "process already released") ||
		strings.Contains(s, "no child processes")
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		logrus.WithField("stream", "stderr").Debug(line)
	}
}
