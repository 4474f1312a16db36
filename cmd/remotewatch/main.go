// Command remotewatch is the remote-resource watcher binary. "run" loads a
// YAML configuration file, polls the configured HTTP resources, journals
// lifecycle events, serves the control API (plus an optional gRPC health
// endpoint) and shuts down gracefully on SIGTERM or SIGINT. "probe" issues a
// one-off metadata request and "audit verify" checks a control audit log.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "remotewatch",
	Short:         "remotewatch - HTTP resource change watcher",
	Long:          `remotewatch polls remote HTTP resources and reports added, modified, removed and invalid events.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "remotewatch: %v\n", err)
		os.Exit(1)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
