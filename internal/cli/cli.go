// Package cli builds the agent's command tree: a cobra root command that
// owns process startup and flag parsing, with a log-level flag and a
// default action that runs the native-messaging loop.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

// RunAgent starts the framed stdin/stdout dispatch loop at the given
// log level and returns the process exit code: 0 on a clean EOF, 1 on a
// framing/decode-fatal error, 2 when the initial device enumeration
// fails. Enumeration treats a missing PC/SC daemon or an unreadable HID
// entry as non-fatal, so neither one by itself produces exit code 2.
type RunAgent func(logLevel string) int

// New builds the root command. version is reported by the version
// subcommand and --version flag; run is invoked when no subcommand is
// given, the command's only job in normal operation.
func New(version string, run RunAgent) *cobra.Command {
	root := &cobra.Command{
		Use:     "feitian-agent",
		Short:   "native-messaging broker for Feitian security keys",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := cmd.Flag("log-level").Value.String()
			os.Exit(run(level))
			return nil
		},
	}

	logLevel := os.Getenv("RUST_LOG")
	if logLevel == "" {
		logLevel = defaultLogLevel
	} else {
		logLevel = normalizeLevel(logLevel)
	}

	root.PersistentFlags().String("log-level", logLevel, "log verbosity: error, warn, info, debug, or trace (default from RUST_LOG)")
	root.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(cmd.Root().Version)
		},
	})
	return root
}

// normalizeLevel takes RUST_LOG's own syntax (which allows target
// filters like "agent=debug") down to the bare level name this agent
// recognizes, defaulting to info on anything unparseable.
func normalizeLevel(raw string) string {
	level := raw
	if idx := strings.LastIndex(raw, "="); idx >= 0 {
		level = raw[idx+1:]
	}
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "error", "warn", "info", "debug", "trace":
		return level
	default:
		return defaultLogLevel
	}
}
