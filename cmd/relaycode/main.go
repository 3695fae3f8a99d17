package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relaycode-dev/relaycode/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "relaycode",
	Short: "Relaycode - Slack bridge for the Codex app server",
	Long: `Relaycode connects Slack workspaces to a local Codex app server.
Messages in connected channels become turns, streamed output is mirrored back
into threads, and approval requests become buttons the channel can click.

Running relaycode without a subcommand starts the bridge in the foreground.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.RunServe(cmd, version)
	},
}

// Build information variables
var (
	// Set by compiler via -ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
	platform  = "unknown"
)

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("config", "", "configuration directory (default: ~/.relaycode)")
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		// Accept --config-dir as an alias for --config.
		if name == "config-dir" {
			name = "config"
		}
		return pflag.NormalizedName(name)
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Relaycode\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Go Version: %s\n", goVersion)
			fmt.Printf("Platform:   %s\n", platform)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(cli.ServeCommand(version))
	rootCmd.AddCommand(cli.StopCommand())
	rootCmd.AddCommand(cli.StatusCommand())
	rootCmd.AddCommand(cli.TokenCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
