// Command gsignond-plugin-password hosts the password method plugin
// (internal/plugin/password) behind the HTTP-over-unix-socket transport
// internal/plugin/pluginserver speaks. It is a bare main package, not a
// cobra command, matching how the teacher's own plugin binaries under
// bindings/go/plugin/internal/testplugin* are plain mains rather than
// interactive CLIs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/password"
	"github.com/gsignond/gsignond-go/internal/plugin/pluginserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gsignond-plugin-password:", err)
		os.Exit(1)
	}
}

func run() error {
	var configFlag string
	flag.StringVar(&configFlag, "config", "", "JSON plugin configuration payload")
	flag.Parse()

	cfg, err := parseConfig(configFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &pluginserver.Server{
		Capabilities: password.Capabilities(),
		Process:      password.Process,
		Finish: func(req contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error) {
			return password.Finish(req.Reply)
		},
	}
	return server.Run(ctx, cfg.RuntimeDir)
}

// config is the --config payload proxy.Start passes every plugin
// binary; RuntimeDir is the only field the password plugin needs.
type config struct {
	RuntimeDir string `json:"runtime_dir"`
}

func parseConfig(raw string) (config, error) {
	var cfg config
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return config{}, fmt.Errorf("parse --config: %w", err)
	}
	return cfg, nil
}
