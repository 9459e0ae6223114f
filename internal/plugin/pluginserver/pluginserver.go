// Package pluginserver is the plugin side of the HTTP-over-unix-socket
// transport proxy.Proxy speaks: it listens on a unix socket, announces
// its location on stdout the way proxy.Start's readLocation expects,
// and dispatches the fixed set of endpoints contracts.go names. Every
// cmd/gsignond-plugin-* binary is a thin wrapper around this package
// plus one method's algorithm package (internal/plugin/password,
// internal/plugin/digest).
package pluginserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

// ProcessFunc handles a /process request.
type ProcessFunc func(req contracts.ProcessRequest) (*contracts.ProcessResult, error)

// FinishFunc handles a /user-action-finished request.
type FinishFunc func(req contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error)

// Server hosts one method plugin's algorithm behind the fixed endpoint
// set contracts.go defines.
type Server struct {
	Capabilities contracts.Capabilities
	Process      ProcessFunc
	Finish       FinishFunc

	// Cancel and Refresh are optional; the default no-op matches the
	// stateless algorithm packages (password, digest), which have
	// nothing in flight to interrupt or re-notify between HTTP calls.
	Cancel  func() error
	Refresh func() error
}

// Run listens on a fresh unix socket under runtimeDir, prints its
// location on stdout for the launching proxy.Proxy to discover, and
// serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, runtimeDir string) error {
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	socketDir, err := os.MkdirTemp(runtimeDir, "gsignond-plugin-*")
	if err != nil {
		return fmt.Errorf("pluginserver: create socket dir: %w", err)
	}
	socketPath := filepath.Join(socketDir, "plugin.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("pluginserver: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+contracts.EndpointHealthz, s.handleHealthz)
	mux.HandleFunc("/"+contracts.EndpointCapabilities, s.handleCapabilities)
	mux.HandleFunc("/"+contracts.EndpointProcess, s.handleProcess)
	mux.HandleFunc("/"+contracts.EndpointUserActionFinished, s.handleFinish)
	mux.HandleFunc("/"+contracts.EndpointCancel, s.handleCancel)
	mux.HandleFunc("/"+contracts.EndpointRefresh, s.handleRefresh)

	httpServer := &http.Server{Handler: mux}

	fmt.Printf("http+unix://%s\n", socketPath)
	_ = os.Stdout.Sync()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		_ = httpServer.Close()
		_ = os.RemoveAll(socketDir)
		return ctx.Err()
	case err := <-errCh:
		_ = os.RemoveAll(socketDir)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Capabilities)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req contracts.ProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.Process(req)
	writeResult(w, result, err)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req contracts.UserActionFinishedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.Finish(req)
	writeResult(w, result, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if s.Cancel != nil {
		if err := s.Cancel(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.Refresh != nil {
		if err := s.Refresh(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, result *contracts.ProcessResult, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
