// Package uibroker is the UI Broker (C7): it serializes UI interactions
// across every auth session in the daemon so at most one dialog is ever
// active system-wide, queueing the rest FIFO. It plays the same
// single-flight-dialog role for user prompts that the teacher's UI
// layer has no direct analogue for; the queueing and refresh-routing
// shape instead follows gsignond-dbus-server's single "active request"
// pointer plus a FIFO list, reimplemented with a channel-fed dispatch
// loop instead of a GMainLoop idle source.
package uibroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsignond/gsignond-go/internal/dictionary"
)

// connectionIdleTimeout is how long the broker keeps its (conceptual)
// connection to the UI agent open after the queue drains, per spec.md
// §4.5.
const connectionIdleTimeout = 10 * time.Second

// Agent is the external UI process the broker talks to. Its own
// transport (D-Bus, a local socket, whatever) is out of scope; the
// broker only needs to hand it a dictionary and get one back, plus be
// told when to close down.
type Agent interface {
	Show(ctx context.Context, dialogID string, data *dictionary.Dictionary) error
	Close() error
}

// noAgent is the Agent a Broker falls back to when none is configured
// (e.g. `gsignond serve` started without `--ui-helper`). It fails every
// Show call with UserInteraction-shaped errors rather than leaving the
// broker to panic on a nil interface the first time a plugin needs UI.
type noAgent struct{}

func (noAgent) Show(context.Context, string, *dictionary.Dictionary) error {
	return fmt.Errorf("uibroker: no UI agent configured")
}

func (noAgent) Close() error { return nil }

// Request is one queued or active UI interaction.
type Request struct {
	Caller   string // stable identifier of the owning session
	Data     *dictionary.Dictionary
	OnFinal  func(*dictionary.Dictionary, error)
	OnRefresh func(*dictionary.Dictionary)

	dialogID string
}

// Broker owns the single active UI request and the FIFO queue of
// pending ones.
type Broker struct {
	mu     sync.Mutex
	agent  Agent
	logger *slog.Logger

	active *Request
	queue  []*Request

	closeTimer *time.Timer
}

// New builds a Broker that hands every dialog to agent. A nil agent is
// replaced with noAgent so a
// daemon started without a UI helper configured fails UI-requiring
// operations cleanly instead of panicking on the first dialog.
func New(agent Agent, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if agent == nil {
		agent = noAgent{}
	}
	return &Broker{agent: agent, logger: logger}
}

// Query enqueues a UI request for caller; if the broker is idle it
// dispatches immediately. onFinal is invoked exactly once, either with
// the UI agent's reply or a non-nil error (e.g. SessionCanceled,
// UserCanceled). onRefresh may be invoked any number of times before
// onFinal while the request is active.
func (b *Broker) Query(ctx context.Context, caller string, data *dictionary.Dictionary, onFinal func(*dictionary.Dictionary, error), onRefresh func(*dictionary.Dictionary)) {
	req := &Request{Caller: caller, Data: data, OnFinal: onFinal, OnRefresh: onRefresh, dialogID: uuid.NewString()}

	b.mu.Lock()
	if b.closeTimer != nil {
		b.closeTimer.Stop()
		b.closeTimer = nil
	}
	if b.active != nil {
		b.queue = append(b.queue, req)
		b.mu.Unlock()
		return
	}
	b.active = req
	b.mu.Unlock()

	b.dispatch(ctx, req)
}

func (b *Broker) dispatch(ctx context.Context, req *Request) {
	if err := b.agent.Show(ctx, req.dialogID, req.Data); err != nil {
		b.logger.Warn("ui broker: agent show failed", "caller", req.Caller, "error", err)
		b.mu.Lock()
		if b.active == req {
			b.active = nil
		}
		b.mu.Unlock()
		req.OnFinal(nil, fmt.Errorf("uibroker: %w", err))
		b.advance(ctx)
	}
	// The reply itself arrives asynchronously via Finish/Refresh, called
	// by whatever transport wires the Agent's callbacks back to the broker.
}

// Finish is called by the UI agent transport when dialogID produces a
// final reply. Mismatched or stale dialog ids (the dialog already
// finished, or belong to a request no longer active) are ignored with a
// warning, mirroring §4.5's refresh-routing discard rule applied to
// finals too.
func (b *Broker) Finish(ctx context.Context, dialogID string, reply *dictionary.Dictionary, failErr error) {
	b.mu.Lock()
	if b.active == nil || b.active.dialogID != dialogID {
		b.mu.Unlock()
		b.logger.Warn("ui broker: final reply for unknown or inactive dialog", "dialog_id", dialogID)
		return
	}
	req := b.active
	b.active = nil
	b.mu.Unlock()

	req.OnFinal(reply, failErr)
	b.advance(ctx)
}

// Refresh routes data to the active dialog if dialogID matches it
// (the opaque id handed to the UI agent at Query time — see SPEC_FULL.md
// open-question decision 1). A mismatched or stale dialogID is
// discarded with a warning, per §4.5.
func (b *Broker) Refresh(dialogID string, data *dictionary.Dictionary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.dialogID != dialogID {
		b.logger.Warn("ui broker: refresh for unknown or inactive dialog", "dialog_id", dialogID)
		return
	}
	if b.active.OnRefresh != nil {
		b.active.OnRefresh(data)
	}
}

// Cancel cancels caller's request, whether active or still queued. The
// queued case synthesizes a UserCanceled-shaped final reply via
// canceledErr so the caller's OnFinal still fires exactly once.
func (b *Broker) Cancel(ctx context.Context, caller string, canceledErr error) {
	b.mu.Lock()
	if b.active != nil && b.active.Caller == caller {
		req := b.active
		b.active = nil
		b.mu.Unlock()
		req.OnFinal(nil, canceledErr)
		b.advance(ctx)
		return
	}

	for i, req := range b.queue {
		if req.Caller == caller {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.mu.Unlock()
			req.OnFinal(nil, canceledErr)
			return
		}
	}
	b.mu.Unlock()
}

// advance pops the next queued request (if any) and dispatches it,
// otherwise arms the connection idle timer.
func (b *Broker) advance(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.closeTimer = time.AfterFunc(connectionIdleTimeout, func() {
			if err := b.agent.Close(); err != nil {
				b.logger.Warn("ui broker: error closing agent connection", "error", err)
			}
		})
		b.mu.Unlock()
		return
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	b.active = next
	b.mu.Unlock()

	b.dispatch(ctx, next)
}

// QueueLen reports the number of requests waiting behind the active one,
// for tests asserting FIFO ordering (§8 property 7).
func (b *Broker) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ActiveCaller reports the caller of the currently active request, or ""
// if idle.
func (b *Broker) ActiveCaller() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return ""
	}
	return b.active.Caller
}
