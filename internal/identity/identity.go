// Package identity implements Identity (C9): the in-memory
// representation of one identity, orchestrating verify/store/remove/
// reference/signout against the Metadata and Secret DBs and spawning
// Auth Sessions on demand. Every public operation is guarded by the
// Access Control Manager predicate spec.md §4.2 names for it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gsignond/gsignond-go/internal/acm"
	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/secctx"
	"github.com/gsignond/gsignond-go/internal/session"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/storage/metadatadb"
	"github.com/gsignond/gsignond-go/internal/storage/secretdb"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

// State is one of the lifecycle states spec.md §3 names.
type State int

const (
	StateNew State = iota
	StateStored
	StateSignedOut
	StateRemoved
)

// MethodRegistry tells an Identity which methods exist system-wide and
// what mechanisms each provides, so GetAuthSession can distinguish
// MethodNotKnown (no plugin anywhere) from MethodNotAvailable (a plugin
// exists but this identity isn't authorised for it).
type MethodRegistry interface {
	Mechanisms(method string) ([]string, bool)
}

// EventSink receives the signals spec.md §9 says become explicit
// callbacks: CredentialsUpdated, UserVerified, SecretVerified, Removed,
// SignedOut, DataUpdated, each carrying the identity id.
type EventSink interface {
	Emit(event string, identityID uint32)
}

// NopEventSink discards every event; useful for tests and for Daemon
// configurations that don't wire a transport-level signal emitter.
type NopEventSink struct{}

func (NopEventSink) Emit(string, uint32) {}

// Identity is the in-memory representation of one identity.
type Identity struct {
	mu sync.Mutex

	info  metadatadb.Info
	state State

	metaDB   *metadatadb.DB
	secretDB *secretdb.DB
	acm      *acm.Manager
	factory  *factory.Factory
	broker   *uibroker.Broker
	methods  MethodRegistry
	events   EventSink
	logger   *slog.Logger

	sessionTimeout time.Duration
	identityTimeout time.Duration
	lastTouched     time.Time
	sessions        map[string]*session.Session
}

// Deps bundles an Identity's collaborators, following spec.md §9's
// "pass config/ACM/factory as explicit context through constructors"
// guidance rather than a global registry.
type Deps struct {
	MetaDB          *metadatadb.DB
	SecretDB        *secretdb.DB
	ACM             *acm.Manager
	Factory         *factory.Factory
	Broker          *uibroker.Broker
	Methods         MethodRegistry
	Events          EventSink
	SessionTimeout  time.Duration
	IdentityTimeout time.Duration
	Logger          *slog.Logger
}

// New creates a brand-new (unstored, id 0) identity owned by owner.
func New(owner secctx.Context, deps Deps) *Identity {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = NopEventSink{}
	}
	return &Identity{
		info:            metadatadb.Info{Owner: owner, Methods: map[string][]string{}},
		state:           StateNew,
		metaDB:          deps.MetaDB,
		secretDB:        deps.SecretDB,
		acm:             deps.ACM,
		factory:         deps.Factory,
		broker:          deps.Broker,
		methods:         deps.Methods,
		events:          events,
		logger:          logger,
		sessionTimeout:  deps.SessionTimeout,
		identityTimeout: deps.IdentityTimeout,
		lastTouched:     time.Now(),
		sessions:        map[string]*session.Session{},
	}
}

// FromStored wraps an Info already loaded from the Metadata DB.
func FromStored(info metadatadb.Info, deps Deps) *Identity {
	id := New(info.Owner, deps)
	id.info = info
	id.state = StateStored
	return id
}

// ID returns the identity's assigned id, or 0 if not yet stored.
func (i *Identity) ID() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.ID
}

func (i *Identity) touch() {
	i.lastTouched = time.Now()
}

// canUse reports whether peer may use (but not necessarily modify) the
// identity: either peer is the owner, or peer matches an ACL entry and
// platform policy admits it.
func (i *Identity) canUse(peer secctx.Context) bool {
	if i.acm.PeerIsOwner(peer, i.info.Owner) {
		return true
	}
	return i.acm.PeerIsAllowedToUse(peer, i.info.Owner, i.info.ACL)
}

func (i *Identity) canWrite(peer secctx.Context) bool {
	return i.acm.PeerIsOwner(peer, i.info.Owner)
}

// GetInfo returns the identity's info with secret material stripped, per
// spec.md §4.2.
func (i *Identity) GetInfo(peer secctx.Context) (metadatadb.Info, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.canUse(peer) {
		return metadatadb.Info{}, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	i.touch()

	out := i.info
	if out.UsernameIsSecret {
		out.Username = ""
	}
	return out, nil
}

// Store persists info via the Metadata then Secret DB, in that order
// (spec.md §5's two-phase store sequence): a Secret DB failure undoes
// the Metadata write (deleting a newly inserted row, or writing back the
// previous row of an existing identity) and returns StoreFailed.
// The caller's owner/ACL are honored only if supplied; an empty owner
// preserves the identity's existing owner. secret is the plaintext
// credential to place in the Secret DB when info.StoreSecret is set; it
// never touches the Metadata DB, matching secretdb's separation from
// metadatadb.Info.
func (i *Identity) Store(ctx context.Context, peer secctx.Context, info metadatadb.Info, secret string) (uint32, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.canWrite(peer) {
		return 0, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not modify identity %d", peer, i.info.ID)
	}
	if len(info.ACL) > 0 && !i.acm.ACLIsValid(peer, info.ACL) {
		return 0, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not set the given ACL", peer)
	}
	i.touch()

	merged := info
	merged.ID = i.info.ID
	if merged.Owner == (secctx.Context{}) {
		merged.Owner = i.info.Owner
	}
	if len(merged.ACL) == 0 {
		merged.ACL = i.info.ACL
	}
	if merged.Methods == nil {
		merged.Methods = map[string][]string{}
	}

	wasNew := i.info.ID == 0
	id, err := i.metaDB.InsertOrUpdateIdentity(ctx, merged)
	if err != nil {
		return 0, ssoerr.Wrap(ssoerr.StoreFailed, err, "write identity metadata")
	}
	merged.ID = id

	if merged.StoreSecret && secret != "" {
		username := merged.Username
		if err := i.secretDB.UpdateCredentials(ctx, secretdb.Credential{IdentityID: id, Username: username, Password: secret}); err != nil {
			if wasNew {
				if delErr := i.metaDB.RemoveIdentity(ctx, id); delErr != nil {
					return 0, ssoerr.Wrap(ssoerr.StoreFailed, errors.Join(err, delErr), "write identity secret, then rollback metadata")
				}
			} else if _, rbErr := i.metaDB.InsertOrUpdateIdentity(ctx, i.info); rbErr != nil {
				return 0, ssoerr.Wrap(ssoerr.StoreFailed, errors.Join(err, rbErr), "write identity secret, then restore metadata")
			}
			return 0, ssoerr.Wrap(ssoerr.StoreFailed, err, "write identity secret")
		}
	}

	i.info = merged
	i.state = StateStored
	i.events.Emit("DataUpdated", id)
	return id, nil
}

// RequestCredentialsUpdate drives a UI round trip to collect a new
// username/password and stores them, per spec.md §4.2.
func (i *Identity) RequestCredentialsUpdate(ctx context.Context, peer secctx.Context) error {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	if !i.info.StoreSecret {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.CredentialsNotAvailable, "identity %d does not store secrets", i.info.ID)
	}
	i.touch()
	id := i.info.ID
	i.mu.Unlock()

	ui := dictionary.New()
	ui.SetString("query_username", "Username")
	ui.SetString("query_password", "New password")

	done := make(chan struct {
		reply *dictionary.Dictionary
		err   error
	}, 1)
	i.broker.Query(ctx, fmt.Sprintf("identity-%d-creds", id), ui, func(reply *dictionary.Dictionary, err error) {
		done <- struct {
			reply *dictionary.Dictionary
			err   error
		}{reply, err}
	}, nil)

	var result struct {
		reply *dictionary.Dictionary
		err   error
	}
	select {
	case result = <-done:
	case <-ctx.Done():
		return ssoerr.New(ssoerr.Timeout, "credentials update timed out")
	}
	if result.err != nil {
		return ssoerr.Wrap(ssoerr.UserInteraction, result.err, "credentials update ui failed")
	}

	username, _ := result.reply.GetString("username")
	password, _ := result.reply.GetString("password")
	if username == "" || password == "" {
		return ssoerr.New(ssoerr.MissingData, "username and password required")
	}

	if err := i.secretDB.UpdateCredentials(ctx, secretdb.Credential{IdentityID: id, Username: username, Password: password}); err != nil {
		return ssoerr.Wrap(ssoerr.StoreFailed, err, "update credentials")
	}

	i.mu.Lock()
	i.info.Username = username
	i.mu.Unlock()

	i.events.Emit("CredentialsUpdated", id)
	return nil
}

// VerifyUser drives a UI reprompt and compares the result against the
// stored credential, emitting UserVerified on success.
func (i *Identity) VerifyUser(ctx context.Context, peer secctx.Context) (bool, error) {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return false, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	id := i.info.ID
	i.touch()
	i.mu.Unlock()

	ui := dictionary.New()
	ui.SetString("query_password", "Password")
	done := make(chan struct {
		reply *dictionary.Dictionary
		err   error
	}, 1)
	i.broker.Query(ctx, fmt.Sprintf("identity-%d-verify", id), ui, func(reply *dictionary.Dictionary, err error) {
		done <- struct {
			reply *dictionary.Dictionary
			err   error
		}{reply, err}
	}, nil)

	var result struct {
		reply *dictionary.Dictionary
		err   error
	}
	select {
	case result = <-done:
	case <-ctx.Done():
		return false, ssoerr.New(ssoerr.Timeout, "verify user timed out")
	}
	if result.err != nil {
		return false, ssoerr.Wrap(ssoerr.UserInteraction, result.err, "verify user ui failed")
	}
	password, _ := result.reply.GetString("password")

	ok, err := i.VerifySecret(ctx, peer, password)
	if err != nil {
		return false, err
	}
	if ok {
		i.mu.Lock()
		i.info.Validated = true
		i.mu.Unlock()
		i.events.Emit("UserVerified", id)
	}
	return ok, nil
}

// VerifySecret compares secret against the Secret DB's stored
// credential, emitting SecretVerified on success.
func (i *Identity) VerifySecret(ctx context.Context, peer secctx.Context, secret string) (bool, error) {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return false, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	if !i.info.StoreSecret {
		i.mu.Unlock()
		return false, ssoerr.New(ssoerr.CredentialsNotAvailable, "identity %d does not store secrets", i.info.ID)
	}
	id := i.info.ID
	username := i.info.Username
	i.touch()
	i.mu.Unlock()

	ok, err := i.secretDB.CheckCredentials(ctx, secretdb.Credential{IdentityID: id, Username: username, Password: secret})
	if err != nil {
		return false, ssoerr.Wrap(ssoerr.Unknown, err, "check credentials")
	}
	if ok {
		i.events.Emit("SecretVerified", id)
	}
	return ok, nil
}

// GetAuthSession creates and registers an Auth Session bound to method,
// per spec.md §4.2's MethodNotKnown/MethodNotAvailable distinction: a
// new (unstored) identity permits every method the daemon knows.
func (i *Identity) GetAuthSession(peer secctx.Context, method string) (*session.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.canUse(peer) {
		return nil, ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	if _, ok := i.methods.Mechanisms(method); !ok {
		return nil, ssoerr.New(ssoerr.MethodNotKnown, "no plugin provides method %q", method)
	}
	if i.state != StateNew {
		if _, allowed := i.info.Methods[method]; !allowed {
			return nil, ssoerr.New(ssoerr.MethodNotAvailable, "identity %d does not permit method %q", i.info.ID, method)
		}
	}
	i.touch()

	sess := session.New(method, i.factory, i.broker, i, i.sessionTimeout, i.logger)
	i.sessions[sess.ObjectPath] = sess
	return sess, nil
}

// Credential implements session.CredentialProvider: it supplies the
// plugin-visible identity view and the stored credential/realm fields a
// plugin's Process call always needs, fetched from the Secret DB rather
// than cached in memory so a credentials update is observed immediately.
func (i *Identity) Credential(ctx context.Context) (contracts.IdentityView, *dictionary.Dictionary, error) {
	i.mu.Lock()
	id := i.info.ID
	username := i.info.Username
	storeSecret := i.info.StoreSecret
	realms := append([]string(nil), i.info.Realms...)
	i.mu.Unlock()

	view := contracts.IdentityView{ID: id, Username: username}
	data := dictionary.New()
	if len(realms) > 0 {
		data.Set("realms", dictionary.NewStringArray(realms))
	}

	if !storeSecret || id == 0 {
		return view, data, nil
	}
	cred, err := i.secretDB.LoadCredentials(ctx, id)
	if errors.Is(err, secretdb.ErrNotFound) {
		return view, data, nil
	}
	if err != nil {
		return view, nil, ssoerr.Wrap(ssoerr.Unknown, err, "load stored credential")
	}
	view.HasStoredSecret = true
	data.SetString("username", cred.Username)
	data.SetString("password", cred.Password)
	return view, data, nil
}

// SignOut tears down every active session for this identity; persisted
// state is left untouched beyond that (spec.md §9's open-question
// decision: signout does not invalidate Secret DB rows).
func (i *Identity) SignOut(ctx context.Context, peer secctx.Context) error {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	sessions := make([]*session.Session, 0, len(i.sessions))
	for _, s := range i.sessions {
		sessions = append(sessions, s)
	}
	i.sessions = map[string]*session.Session{}
	i.state = StateSignedOut
	id := i.info.ID
	i.touch()
	i.mu.Unlock()

	for _, s := range sessions {
		s.Dispose(ctx)
	}
	i.events.Emit("SignedOut", id)
	return nil
}

// Remove deletes the identity from both DBs and schedules disposal.
func (i *Identity) Remove(ctx context.Context, peer secctx.Context) error {
	i.mu.Lock()
	if !i.canWrite(peer) {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s may not modify identity %d", peer, i.info.ID)
	}
	id := i.info.ID
	sessions := make([]*session.Session, 0, len(i.sessions))
	for _, s := range i.sessions {
		sessions = append(sessions, s)
	}
	i.sessions = map[string]*session.Session{}
	i.mu.Unlock()

	for _, s := range sessions {
		s.Dispose(ctx)
	}

	if id != 0 {
		if err := i.secretDB.RemoveCredentials(ctx, id); err != nil {
			return ssoerr.Wrap(ssoerr.RemoveFailed, err, "remove secret for identity %d", id)
		}
		if err := i.metaDB.RemoveIdentity(ctx, id); err != nil && !errors.Is(err, metadatadb.ErrNotFound) {
			return ssoerr.Wrap(ssoerr.RemoveFailed, err, "remove identity %d", id)
		}
	}

	i.mu.Lock()
	i.state = StateRemoved
	i.mu.Unlock()
	i.events.Emit("Removed", id)
	return nil
}

// AddReference records name as held by peer over this identity.
func (i *Identity) AddReference(ctx context.Context, peer secctx.Context, name string) error {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	id := i.info.ID
	i.touch()
	i.mu.Unlock()
	if id == 0 {
		return ssoerr.New(ssoerr.IdentityNotFound, "identity not yet stored")
	}
	if err := i.metaDB.InsertReference(ctx, id, peer, name); err != nil {
		return ssoerr.Wrap(ssoerr.Unknown, err, "add reference")
	}
	return nil
}

// RemoveReference deletes the named reference peer holds. Removing the
// last reference of the last owner does not by itself delete the
// identity, per spec.md §4.2.
func (i *Identity) RemoveReference(ctx context.Context, peer secctx.Context, name string) error {
	i.mu.Lock()
	if !i.canUse(peer) {
		i.mu.Unlock()
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s may not use identity %d", peer, i.info.ID)
	}
	id := i.info.ID
	i.touch()
	i.mu.Unlock()
	if id == 0 {
		return ssoerr.New(ssoerr.ReferenceNotFound, "identity not yet stored")
	}
	if err := i.metaDB.RemoveReference(ctx, id, peer, name); err != nil {
		return ssoerr.Wrap(ssoerr.Unknown, err, "remove reference")
	}
	return nil
}

// Idle reports whether this identity has no live sessions and has been
// untouched longer than its configured timeout, making it eligible for
// disposal (spec.md §4.2): "while any session is live, the timer is
// disabled."
func (i *Identity) Idle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.identityTimeout <= 0 {
		return false
	}
	if len(i.sessions) > 0 {
		return false
	}
	return time.Since(i.lastTouched) > i.identityTimeout
}

// State reports the identity's current lifecycle state.
func (i *Identity) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}
