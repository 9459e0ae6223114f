package log

import (
	"context"

	slogctx "github.com/veqryn/slog-context"
)

// WithSession attaches a session id to ctx so every log call made while
// handling that session (factory dispatch, proxy call, UI broker routing)
// carries it without an explicit logger argument.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return slogctx.With(ctx, "session_id", sessionID)
}

// WithIdentity attaches an identity id to ctx.
func WithIdentity(ctx context.Context, identityID uint32) context.Context {
	return slogctx.With(ctx, "identity_id", identityID)
}

// WithPlugin attaches a plugin method name to ctx.
func WithPlugin(ctx context.Context, method string) context.Context {
	return slogctx.With(ctx, "plugin_method", method)
}
