// Package log wires the daemon's structured logging: a slog.Logger built
// from CLI flags, plus ambient per-session/per-request fields propagated
// via slog-context so deeply nested calls (factory -> proxy -> session)
// don't need a logger threaded through every argument list.
//
// Ported from the teacher's cli/internal/flags/log flag package, adapted
// from a one-shot CLI invocation logger to a long-lived daemon logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	slogctx "github.com/veqryn/slog-context"
)

const (
	FormatFlagName = "log-format"
	FormatJSON     = "json"
	FormatText     = "text"

	LevelFlagName = "log-level"
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelError    = "error"

	OutputFlagName = "log-output"
	OutputStdout   = "stdout"
	OutputStderr   = "stderr"
)

// RegisterFlags adds the logging flags to flagset, mirroring the set of
// flags the teacher's CLI registers on its root command.
func RegisterFlags(flagset *pflag.FlagSet) {
	flagset.String(FormatFlagName, FormatText, "log output format: text or json")
	flagset.String(LevelFlagName, LevelWarn, "log level: debug, info, warn, or error")
	flagset.String(OutputFlagName, OutputStdout, "log output destination: stdout or stderr")
}

// FromFlags builds a *slog.Logger from the registered flags.
func FromFlags(flagset *pflag.FlagSet) (*slog.Logger, error) {
	format, err := flagset.GetString(FormatFlagName)
	if err != nil {
		return nil, fmt.Errorf("log format flag: %w", err)
	}
	levelName, err := flagset.GetString(LevelFlagName)
	if err != nil {
		return nil, fmt.Errorf("log level flag: %w", err)
	}
	output, err := flagset.GetString(OutputFlagName)
	if err != nil {
		return nil, fmt.Errorf("log output flag: %w", err)
	}

	level, err := parseLevel(levelName)
	if err != nil {
		return nil, err
	}

	var w io.Writer
	switch output {
	case OutputStdout, "":
		w = os.Stdout
	case OutputStderr:
		w = os.Stderr
	default:
		return nil, fmt.Errorf("invalid log output: %s", output)
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatText, "":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	// Wrap with slog-context so values attached via WithSession/WithIdentity
	// downstream are emitted on every record without re-threading a logger.
	return slog.New(slogctx.NewHandler(handler, nil)), nil
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo, "":
		return slog.LevelInfo, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log level: %s", name)
	}
}
