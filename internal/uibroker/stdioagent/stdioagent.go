// Package stdioagent is the default production implementation of
// uibroker.Agent: it launches the configured UI helper binary once and
// keeps it running across dialogs (matching the broker's lazy-connect,
// idle-disconnect lifecycle in spec.md §4.5), exchanging one JSON
// object per line on its stdin/stdout. This mirrors the subprocess
// launch-and-pipe shape internal/plugin/proxy uses for method plugins,
// adapted from an HTTP-over-unix-socket transport to a simpler
// line-JSON stdio transport appropriate for an interactive helper that
// has no need for concurrent in-flight requests (the broker itself
// already guarantees only one dialog is active at a time).
package stdioagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/gsignond/gsignond-go/internal/dictionary"
)

// outbound is one line written to the helper's stdin.
type outbound struct {
	DialogID string                 `json:"dialog_id"`
	Data     *dictionary.Dictionary `json:"data"`
}

// inbound is one line read from the helper's stdout: exactly one of
// Reply, Refresh or Error is meaningful.
type inbound struct {
	DialogID string                 `json:"dialog_id"`
	Reply    *dictionary.Dictionary `json:"reply,omitempty"`
	Refresh  *dictionary.Dictionary `json:"refresh,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// OnFinal and OnRefresh route decoded inbound lines back into the
// broker; callers wire these to (*uibroker.Broker).Finish and
// (*uibroker.Broker).Refresh after constructing both.
type Agent struct {
	path      string
	logger    *slog.Logger
	onFinal   func(ctx context.Context, dialogID string, reply *dictionary.Dictionary, err error)
	onRefresh func(dialogID string, data *dictionary.Dictionary)

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

// New returns an Agent that lazily launches path on the first Show
// call. SetCallbacks must be called before Show is ever invoked.
func New(path string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{path: path, logger: logger}
}

// SetCallbacks wires the agent's background reader to the broker it
// serves. Called once, after both have been constructed.
func (a *Agent) SetCallbacks(onFinal func(ctx context.Context, dialogID string, reply *dictionary.Dictionary, err error), onRefresh func(dialogID string, data *dictionary.Dictionary)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinal = onFinal
	a.onRefresh = onRefresh
}

// Show sends data to the helper under dialogID, starting the helper
// process first if it isn't already running.
func (a *Agent) Show(ctx context.Context, dialogID string, data *dictionary.Dictionary) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd == nil {
		if err := a.startLocked(); err != nil {
			return fmt.Errorf("stdioagent: start %s: %w", a.path, err)
		}
	}

	line, err := json.Marshal(outbound{DialogID: dialogID, Data: data})
	if err != nil {
		return fmt.Errorf("stdioagent: encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := a.stdin.Write(line); err != nil {
		return fmt.Errorf("stdioagent: write request: %w", err)
	}
	return nil
}

func (a *Agent) startLocked() error {
	cmd := exec.Command(a.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = bufio.NewScanner(stdout)
	go a.readLoop()
	return nil
}

func (a *Agent) readLoop() {
	scanner := a.stdout
	for scanner.Scan() {
		var msg inbound
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			a.logger.Warn("stdioagent: malformed line from ui helper", "error", err)
			continue
		}

		a.mu.Lock()
		onFinal, onRefresh := a.onFinal, a.onRefresh
		a.mu.Unlock()

		switch {
		case msg.Refresh != nil && onRefresh != nil:
			onRefresh(msg.DialogID, msg.Refresh)
		case msg.Error != "" && onFinal != nil:
			onFinal(context.Background(), msg.DialogID, nil, fmt.Errorf("stdioagent: %s", msg.Error))
		case onFinal != nil:
			onFinal(context.Background(), msg.DialogID, msg.Reply, nil)
		}
	}
}

// Close terminates the helper process, if running. The broker calls
// this after its 10-second idle timer fires with no queued requests.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}
	err := a.cmd.Process.Kill()
	a.cmd = nil
	a.stdin = nil
	a.stdout = nil
	return err
}
