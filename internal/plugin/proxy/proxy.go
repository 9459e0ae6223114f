// Package proxy is the out-of-process Plugin Proxy (C6): it launches a
// method plugin binary, waits for it to announce its unix socket, and
// exchanges JSON requests/responses with it over HTTP. The launch and
// transport shapes are ported directly from the teacher's
// bindings/go/plugin/manager/registries/plugins package (wait_for_plugin.go
// for location discovery and socket dialing, call.go for the request
// helper), adapted from OCM's capability-typed repository calls to
// gsignond's fixed process/user-action-finished/cancel/refresh protocol
// (internal/plugin/contracts).
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

const (
	locationTimeout = 30 * time.Second
	healthzInterval = 100 * time.Millisecond
	healthzTimeout  = 5 * time.Second
)

// Proxy owns one running plugin subprocess bound to a single method.
type Proxy struct {
	Method string

	cmd    *exec.Cmd
	client *http.Client
	base   string
}

// Start launches the plugin binary at path with the given config JSON on
// its --config flag, waits for it to print its listening location on
// stdout, and connects to it over a unix socket.
func Start(ctx context.Context, method, path string, config []byte) (*Proxy, error) {
	cmd := exec.CommandContext(ctx, path, "--config", string(config))
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		slog.WarnContext(ctx, "killing plugin process on context cancellation", "method", method)
		return cmd.Process.Kill()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxy: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxy: start plugin %s: %w", method, err)
	}

	location, err := readLocation(ctx, stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("proxy: %s: %w", method, err)
	}

	client := newUnixClient(location)
	if err := waitForHealthz(ctx, client); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("proxy: %s: %w", method, err)
	}

	return &Proxy{Method: method, cmd: cmd, client: client, base: "http://unix"}, nil
}

// readLocation scans the plugin's stdout for its "http+unix://<path>"
// announcement line, matching getPluginLocation's scheme-prefix scan.
func readLocation(ctx context.Context, stdout io.Reader) (string, error) {
	location := make(chan string, 1)
	errCh := make(chan error, 1)

	timeoutCtx, cancel := context.WithTimeout(ctx, locationTimeout)
	defer cancel()

	scanner := bufio.NewScanner(stdout)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "http+unix://") {
				location <- strings.TrimPrefix(line, "http+unix://")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("reading plugin stdout: %w", err)
		}
	}()

	select {
	case loc := <-location:
		return loc, nil
	case err := <-errCh:
		return "", err
	case <-timeoutCtx.Done():
		return "", fmt.Errorf("timed out waiting for plugin to announce its socket")
	}
}

func newUnixClient(socketPath string) *http.Client {
	dialer := net.Dialer{Timeout: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 16,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func waitForHealthz(ctx context.Context, client *http.Client) error {
	ticker := time.NewTicker(healthzInterval)
	defer ticker.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/"+contracts.EndpointHealthz, nil)
	if err != nil {
		return fmt.Errorf("build healthz request: %w", err)
	}

	deadline := time.After(healthzTimeout)
	for {
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("timed out waiting for plugin health check")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// call posts payload to endpoint and decodes the JSON response into result.
func (p *Proxy) call(ctx context.Context, endpoint string, payload, result any) (err error) {
	var body io.Reader
	if payload != nil {
		content, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("proxy: marshal payload: %w", err)
		}
		body = bytes.NewReader(content)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("proxy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy: call %s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("proxy: %s returned status %d: %s", endpoint, resp.StatusCode, data)
	}
	if result == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// Pid returns the plugin subprocess's process id, or 0 if no process has
// been started.
func (p *Proxy) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Capabilities asks the plugin which method and mechanisms it provides.
// The daemon calls this once per plugin binary at startup to build its
// method registry (spec.md §6 query_methods/query_mechanisms), the same
// discovery step the teacher's plugin manager performs by querying a
// freshly started plugin before routing any real calls to it.
func (p *Proxy) Capabilities(ctx context.Context) (contracts.Capabilities, error) {
	var caps contracts.Capabilities
	if err := p.call(ctx, contracts.EndpointCapabilities, nil, &caps); err != nil {
		return contracts.Capabilities{}, err
	}
	return caps, nil
}

// Process sends a process request and returns the plugin's result.
func (p *Proxy) Process(ctx context.Context, req contracts.ProcessRequest) (*contracts.ProcessResult, error) {
	var result contracts.ProcessResult
	if err := p.call(ctx, contracts.EndpointProcess, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UserActionFinished resumes a plugin that previously returned
// OutcomeNeedsUI, supplying the UI broker's reply.
func (p *Proxy) UserActionFinished(ctx context.Context, req contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error) {
	var result contracts.ProcessResult
	if err := p.call(ctx, contracts.EndpointUserActionFinished, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel aborts the plugin's in-flight operation.
func (p *Proxy) Cancel(ctx context.Context) error {
	return p.call(ctx, contracts.EndpointCancel, nil, nil)
}

// Refresh asks the plugin to refresh a stalled UI dialog.
func (p *Proxy) Refresh(ctx context.Context) error {
	return p.call(ctx, contracts.EndpointRefresh, nil, nil)
}

// Stop terminates the plugin process.
func (p *Proxy) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
