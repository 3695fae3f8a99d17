package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycode-dev/relaycode/internal/config"
	"github.com/relaycode-dev/relaycode/pkg/lock"
)

// StatusCommand reports whether an instance is running and, when the admin
// API is enabled, whether it answers health checks.
func StatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether relaycode is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printStatus(cfg)
			return nil
		},
	}
}

func printStatus(cfg *config.Config) {
	fileLock := lock.NewFileLock(cfg.DataDir)
	if !fileLock.IsLocked() {
		fmt.Println(mutedStyle.Render("relaycode is not running."))
		return
	}

	running := successStyle.Render("relaycode is running")
	if pid, err := fileLock.GetPID(); err == nil {
		running += mutedStyle.Render(fmt.Sprintf(" (pid %d)", pid))
	}
	fmt.Println(running)

	fmt.Printf("%s %s\n", labelStyle.Render("Data dir:"), cfg.DataDir)
	if !cfg.API.Enabled {
		fmt.Println(mutedStyle.Render("Admin API is disabled; enable api.enabled for health checks."))
		return
	}

	url := probeURL(cfg.API.Listen)
	fmt.Printf("%s %s\n", labelStyle.Render("Admin API:"), healthLine(url))
}

// probeURL rewrites wildcard bind addresses to loopback so the health probe
// connects to the local instance.
func probeURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/healthz"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, port))
}

// healthLine probes the /healthz endpoint, which answers without auth.
func healthLine(url string) string {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return errorStyle.Render("unreachable") + mutedStyle.Render(" ("+url+")")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorStyle.Render(fmt.Sprintf("unhealthy (HTTP %d)", resp.StatusCode))
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status == "" {
		return warnStyle.Render("responding, but with an unexpected payload")
	}
	return successStyle.Render(body.Status) + mutedStyle.Render(" ("+url+")")
}
