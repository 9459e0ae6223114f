// Command gsignond-plugin-digest hosts the digest method plugin
// (internal/plugin/digest) behind the same HTTP-over-unix-socket
// transport gsignond-plugin-password uses.
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
	"github.com/gsignond/gsignond-go/internal/plugin/digest"
	"github.com/gsignond/gsignond-go/internal/plugin/pluginserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gsignond-plugin-digest:", err)
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
		Capabilities: digest.Capabilities(),
		Process: func(req contracts.ProcessRequest) (*contracts.ProcessResult, error) {
			return digest.Process(req, allowedRealms(req, cfg))
		},
		Finish: func(req contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error) {
			return digest.Finish(req.SessionData, req.Reply)
		},
	}
	return server.Run(ctx, cfg.RuntimeDir)
}

// allowedRealms merges the realms the identity itself authorises
// (req.SessionData's "realms", set by Identity.Credential from
// IdentityInfo.Realms) with any realm the operator additionally
// allowlisted for every identity via this plugin's own --config.
func allowedRealms(req contracts.ProcessRequest, cfg config) []string {
	out := append([]string(nil), cfg.AllowedRealms...)
	if req.SessionData == nil {
		return out
	}
	v, ok := req.SessionData.Get("realms")
	if !ok {
		return out
	}
	realms, ok := v.StringArray()
	if !ok {
		return out
	}
	return append(out, realms...)
}

// config is the --config payload proxy.Start passes every plugin
// binary. AllowedRealms lets an operator grant realms outside any
// identity's own IdentityInfo.Realms set (spec.md §4.3's "realm not in
// allowed realms" check admits either source).
type config struct {
	RuntimeDir    string   `json:"runtime_dir"`
	AllowedRealms []string `json:"allowed_realms,omitempty"`
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
