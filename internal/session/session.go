// Package session implements the Auth Session (C8): the per-(identity,
// method) state machine that drives a plugin proxy and, when the plugin
// needs user input, the UI broker, in the order spec.md §4.3 describes.
//
// The object-path/state-machine shape follows gsignond-auth-session.c's
// GObject state handling, reimplemented with an explicit state field and
// a cancelable context per in-flight operation instead of GObject signal
// handlers, per the re-architecture guidance in spec.md §9 ("replace
// set_keep_in_use/delete_later idioms with a single last-touched
// timestamp plus one timer per kind").
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

// State is one of the Auth Session's lifecycle states (spec.md §4.3).
type State int

const (
	StateIdle State = iota
	StateActive
	StateAwaitingUI
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateAwaitingUI:
		return "awaiting_ui"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// CredentialProvider supplies the method-specific credentials and
// identity view a plugin needs for its Process call, without Session
// reaching into the Secret DB or Identity directly — Identity (C9)
// implements this for the sessions it creates.
type CredentialProvider interface {
	Credential(ctx context.Context) (contracts.IdentityView, *dictionary.Dictionary, error)
}

// Session is one Auth Session: a method-bound conversation between an
// application, a plugin driver, and the UI broker.
type Session struct {
	ObjectPath string
	Method     string

	factory *factory.Factory
	broker  *uibroker.Broker
	creds   CredentialProvider
	logger  *slog.Logger

	idleTimeout time.Duration

	mu            sync.Mutex
	state         State
	lastTouched   time.Time
	cachedData    *dictionary.Dictionary
	currentCancel context.CancelFunc
	currentDriver factory.Driver
	canceled      bool
}

// New builds a Session bound to method, using f to acquire a plugin
// driver and broker to mediate UI interactions. creds supplies the
// identity-specific fields a plugin needs.
func New(method string, f *factory.Factory, broker *uibroker.Broker, creds CredentialProvider, idleTimeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ObjectPath:  uuid.NewString(),
		Method:      method,
		factory:     f,
		broker:      broker,
		creds:       creds,
		idleTimeout: idleTimeout,
		logger:      logger,
		state:       StateIdle,
		cachedData:  dictionary.New(),
		lastTouched: time.Now(),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleSince reports how long the session has been idle with no active
// operation; Expired compares it against idleTimeout (spec.md §4.3's
// auth-session timeout).
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return 0
	}
	return time.Since(s.lastTouched)
}

// Expired reports whether the session has been idle longer than its
// configured timeout and should be disposed.
func (s *Session) Expired() bool {
	if s.idleTimeout <= 0 {
		return false
	}
	return s.IdleSince() > s.idleTimeout
}

// Process drives one authentication step: it forwards params to the
// plugin bound to mechanism, transparently handling any UI round trip
// the plugin raises, and returns the plugin's final session data or a
// taxonomy-classified error (ssoerr.Error). Only one Process call may be
// outstanding at a time; a second call while one is in flight returns an
// error rather than interleaving, preserving the per-session FIFO
// ordering guarantee in spec.md §4.3.
func (s *Session) Process(ctx context.Context, params *dictionary.Dictionary, mechanism string) (*dictionary.Dictionary, error) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil, ssoerr.New(ssoerr.Unknown, "session disposed")
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ssoerr.New(ssoerr.Unknown, "session busy")
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.state = StateActive
	s.currentCancel = cancel
	s.canceled = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.lastTouched = time.Now()
		s.currentCancel = nil
		s.currentDriver = nil
		s.mu.Unlock()
	}()

	driver, err := s.factory.Acquire(opCtx, s.Method)
	if err != nil {
		return nil, ssoerr.Wrap(ssoerr.Unknown, err, "acquire plugin for method %s", s.Method)
	}
	defer s.factory.Release(s.Method)

	s.mu.Lock()
	s.currentDriver = driver
	merged := mergeDictionary(s.cachedData, params)
	s.mu.Unlock()

	identityView, identityParams, err := s.creds.Credential(opCtx)
	if err != nil {
		return nil, ssoerr.Wrap(ssoerr.Unknown, err, "load identity credential")
	}
	merged = mergeDictionary(merged, identityParams)

	req := contracts.ProcessRequest{Mechanism: mechanism, SessionData: merged, Identity: identityView}
	result, err := driver.Process(opCtx, req)
	if err != nil {
		return s.handlePluginTransportError(opCtx, err)
	}

	final, err := s.resolveResult(opCtx, driver, result)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cachedData = final
	s.mu.Unlock()
	return final, nil
}

// resolveResult loops while the plugin keeps raising needs-UI outcomes,
// routing each through the broker and resuming the plugin with
// UserActionFinished, until a final success or error outcome arrives.
func (s *Session) resolveResult(ctx context.Context, driver factory.Driver, result *contracts.ProcessResult) (*dictionary.Dictionary, error) {
	for {
		switch result.Outcome {
		case contracts.OutcomeSuccess:
			return result.SessionData, nil
		case contracts.OutcomeError:
			return nil, classifyPluginError(result.Error)
		case contracts.OutcomeNeedsUI:
			s.mu.Lock()
			s.state = StateAwaitingUI
			s.mu.Unlock()

			reply, err := s.runUI(ctx, result.UIRequest)
			if err != nil {
				return nil, err
			}

			s.mu.Lock()
			s.state = StateActive
			s.mu.Unlock()

			s.mu.Lock()
			pending := s.cachedData
			if result.SessionData != nil {
				pending = result.SessionData
			}
			s.mu.Unlock()
			next, err := driver.UserActionFinished(ctx, contracts.UserActionFinishedRequest{Reply: reply, SessionData: pending})
			if err != nil {
				return s.handlePluginTransportError(ctx, err)
			}
			result = next
		default:
			return nil, ssoerr.New(ssoerr.ProtocolError, "unknown plugin outcome %q", result.Outcome)
		}
	}
}

// runUI queries the broker and blocks until the UI agent either returns
// a reply or the operation is cancelled/its context expires.
func (s *Session) runUI(ctx context.Context, data *dictionary.Dictionary) (*dictionary.Dictionary, error) {
	type outcome struct {
		reply *dictionary.Dictionary
		err   error
	}
	done := make(chan outcome, 1)

	s.broker.Query(ctx, s.ObjectPath, data, func(reply *dictionary.Dictionary, err error) {
		done <- outcome{reply: reply, err: err}
	}, func(refresh *dictionary.Dictionary) {
		s.mu.Lock()
		driver := s.currentDriver
		s.mu.Unlock()
		if driver == nil {
			return
		}
		if err := driver.Refresh(ctx); err != nil {
			s.logger.Warn("session: plugin refresh failed", "session", s.ObjectPath, "error", err)
		}
	})

	select {
	case o := <-done:
		if o.err != nil {
			s.mu.Lock()
			wasCanceled := s.canceled
			s.mu.Unlock()
			if wasCanceled {
				return nil, ssoerr.New(ssoerr.SessionCanceled, "canceled during user interaction")
			}
			return nil, ssoerr.Wrap(ssoerr.UserInteraction, o.err, "ui interaction failed")
		}
		return o.reply, nil
	case <-ctx.Done():
		return nil, s.classifyContextErr(ctx)
	}
}

func (s *Session) classifyContextErr(ctx context.Context) error {
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		return ssoerr.New(ssoerr.SessionCanceled, "session canceled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ssoerr.New(ssoerr.Timeout, "operation timed out")
	}
	return ssoerr.New(ssoerr.SessionCanceled, "operation canceled")
}

func (s *Session) handlePluginTransportError(ctx context.Context, err error) (*dictionary.Dictionary, error) {
	s.mu.Lock()
	canceled := s.canceled
	s.mu.Unlock()
	if canceled {
		return nil, ssoerr.New(ssoerr.SessionCanceled, "canceled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ssoerr.New(ssoerr.Timeout, "plugin call timed out")
	}
	s.factory.Evict(s.Method)
	return nil, ssoerr.Wrap(ssoerr.PluginDied, err, "plugin process for method %s died", s.Method)
}

func classifyPluginError(e *contracts.Error) error {
	if e == nil {
		return ssoerr.New(ssoerr.Unknown, "plugin reported an error outcome with no detail")
	}
	for _, kind := range []ssoerr.Kind{
		ssoerr.MethodNotKnown, ssoerr.MethodNotAvailable, ssoerr.MechanismNotAvailable,
		ssoerr.CredentialsNotAvailable, ssoerr.NotAuthorized, ssoerr.MissingData,
		ssoerr.InvalidData, ssoerr.UserInteraction, ssoerr.Timeout, ssoerr.ProtocolError,
	} {
		if string(kind) == e.Code {
			return ssoerr.New(kind, "%s", e.Message)
		}
	}
	return ssoerr.New(ssoerr.Unknown, "%s", e.Message)
}

// Cancel resolves any in-flight Process call with SessionCanceled and
// returns the session to Idle. It is idempotent and safe at any state,
// per spec.md §4.3; calling it on an Idle session (nothing outstanding)
// is a no-op.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	cancel := s.currentCancel
	if cancel == nil {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	driver := s.currentDriver
	s.mu.Unlock()

	s.broker.Cancel(ctx, s.ObjectPath, ssoerr.New(ssoerr.SessionCanceled, "canceled"))
	if driver != nil {
		if err := driver.Cancel(ctx); err != nil {
			s.logger.Warn("session: plugin cancel failed", "session", s.ObjectPath, "error", err)
		}
	}
	cancel()
}

// Dispose tears down the session permanently: any outstanding operation
// is cancelled and the session can no longer process requests.
func (s *Session) Dispose(ctx context.Context) {
	s.Cancel(ctx)
	s.mu.Lock()
	s.state = StateDisposed
	s.mu.Unlock()
}

func mergeDictionary(base, overlay *dictionary.Dictionary) *dictionary.Dictionary {
	out := base.Clone()
	if overlay == nil {
		return out
	}
	for _, key := range overlay.Keys() {
		v, _ := overlay.Get(key)
		out.Set(key, v)
	}
	return out
}
