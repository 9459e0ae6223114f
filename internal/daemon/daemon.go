// Package daemon implements the Daemon / Auth Service (C10): the
// registry of live Identity objects, the factory for brand-new ones,
// and the global query/clear verbs spec.md §6 exposes directly rather
// than through any one identity. It plays the role the teacher's
// top-level service wiring (cmd/ocm's root command building a
// Repository and handing it to subcommands) plays for this daemon:
// one place that owns every long-lived collaborator and hands narrow
// views of them to callers.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gsignond/gsignond-go/internal/acm"
	"github.com/gsignond/gsignond-go/internal/identity"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/secctx"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/storage/metadatadb"
	"github.com/gsignond/gsignond-go/internal/storage/secretdb"
	"github.com/gsignond/gsignond-go/internal/storage/storagemgr"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

// Daemon owns the registry of Identity objects plus the shared
// collaborators every Identity and Session is constructed with.
type Daemon struct {
	acm      *acm.Manager
	metaDB   *metadatadb.DB
	secretDB *secretdb.DB
	storage  storagemgr.Manager
	factory  *factory.Factory
	broker   *uibroker.Broker
	events   identity.EventSink
	logger   *slog.Logger

	identityTimeout time.Duration
	daemonTimeout   time.Duration

	mu          sync.Mutex
	methods     map[string][]string // method -> sorted mechanisms
	byHandle    map[string]*identity.Identity
	byID        map[uint32]*identity.Identity
	lastTouched time.Time
}

// Config bundles everything New needs to assemble a Daemon. Methods
// maps each plugin's advertised name to its mechanisms, the same shape
// DefaultStarter's Locator resolves binaries from.
type Config struct {
	ACM             *acm.Manager
	MetaDB          *metadatadb.DB
	SecretDB        *secretdb.DB
	Storage         storagemgr.Manager
	Factory         *factory.Factory
	Broker          *uibroker.Broker
	Methods         map[string][]string
	Events          identity.EventSink
	IdentityTimeout time.Duration
	DaemonTimeout   time.Duration
	Logger          *slog.Logger
}

// New assembles a Daemon from its collaborators.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = identity.NopEventSink{}
	}
	methods := make(map[string][]string, len(cfg.Methods))
	for k, v := range cfg.Methods {
		mechs := append([]string(nil), v...)
		sort.Strings(mechs)
		methods[k] = mechs
	}
	return &Daemon{
		acm:             cfg.ACM,
		metaDB:          cfg.MetaDB,
		secretDB:        cfg.SecretDB,
		storage:         cfg.Storage,
		factory:         cfg.Factory,
		broker:          cfg.Broker,
		events:          events,
		logger:          logger,
		identityTimeout: cfg.IdentityTimeout,
		daemonTimeout:   cfg.DaemonTimeout,
		methods:         methods,
		byHandle:        map[string]*identity.Identity{},
		byID:            map[uint32]*identity.Identity{},
		lastTouched:     time.Now(),
	}
}

// Mechanisms implements identity.MethodRegistry: the Daemon is the
// single source of truth for which methods exist system-wide.
func (d *Daemon) Mechanisms(method string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mechs, ok := d.methods[method]
	return append([]string(nil), mechs...), ok
}

func (d *Daemon) touch() {
	d.lastTouched = time.Now()
}

func (d *Daemon) deps() identity.Deps {
	return identity.Deps{
		MetaDB:          d.metaDB,
		SecretDB:        d.secretDB,
		ACM:             d.acm,
		Factory:         d.factory,
		Broker:          d.broker,
		Methods:         d,
		Events:          d.events,
		SessionTimeout:  d.identityTimeout,
		IdentityTimeout: d.identityTimeout,
		Logger:          d.logger,
	}
}

// RegisterNewIdentity creates a brand-new, unstored identity owned by
// peer and returns its handle, the opaque token a caller uses for every
// subsequent per-identity verb until (and after) it calls Store.
func (d *Daemon) RegisterNewIdentity(peer secctx.Context) (string, *identity.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touch()

	ident := identity.New(peer, d.deps())
	handle := uuid.NewString()
	d.byHandle[handle] = ident
	return handle, ident
}

// IdentityByHandle returns the identity registered under handle.
func (d *Daemon) IdentityByHandle(handle string) (*identity.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ident, ok := d.byHandle[handle]
	if !ok {
		return nil, ssoerr.New(ssoerr.IdentityNotFound, "no identity registered for handle %q", handle)
	}
	return ident, nil
}

// Store persists the identity registered under handle and, on success,
// indexes it by its assigned numeric id so GetIdentity can find it too.
func (d *Daemon) Store(ctx context.Context, handle string, peer secctx.Context, info metadatadb.Info, secret string) (uint32, error) {
	ident, err := d.IdentityByHandle(handle)
	if err != nil {
		return 0, err
	}
	id, err := ident.Store(ctx, peer, info, secret)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.byID[id] = ident
	d.touch()
	d.mu.Unlock()
	return id, nil
}

// GetIdentity resolves id to its Identity, loading it from the Metadata
// DB on first access if the daemon hasn't already got it in memory, per
// spec.md §6's get_identity verb. The ACM check happens inside
// Identity.GetInfo, not here, so a denied peer still learns IdentityNotFound
// only when the id genuinely doesn't exist.
func (d *Daemon) GetIdentity(ctx context.Context, id uint32, peer secctx.Context) (*identity.Identity, metadatadb.Info, error) {
	d.mu.Lock()
	ident, ok := d.byID[id]
	d.mu.Unlock()

	if !ok {
		info, err := d.metaDB.GetIdentity(ctx, id)
		if err != nil {
			if errors.Is(err, metadatadb.ErrNotFound) {
				return nil, metadatadb.Info{}, ssoerr.New(ssoerr.IdentityNotFound, "no identity with id %d", id)
			}
			return nil, metadatadb.Info{}, ssoerr.Wrap(ssoerr.Unknown, err, "load identity %d", id)
		}
		ident = identity.FromStored(*info, d.deps())
		d.mu.Lock()
		d.byID[id] = ident
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.touch()
	d.mu.Unlock()

	out, err := ident.GetInfo(peer)
	if err != nil {
		return nil, metadatadb.Info{}, err
	}
	return ident, out, nil
}

// QueryMethods returns every method name the daemon's plugins advertise,
// sorted for deterministic output.
func (d *Daemon) QueryMethods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// QueryMechanisms returns the mechanisms method provides, or
// MethodNotKnown if no plugin advertises it.
func (d *Daemon) QueryMechanisms(method string) ([]string, error) {
	mechs, ok := d.Mechanisms(method)
	if !ok {
		return nil, ssoerr.New(ssoerr.MethodNotKnown, "no plugin provides method %q", method)
	}
	return mechs, nil
}

// QueryIdentities lists every stored identity matching filter. It
// requires the keychain context, per spec.md §6.
func (d *Daemon) QueryIdentities(ctx context.Context, peer secctx.Context, filter metadatadb.Filter) ([]metadatadb.Info, error) {
	if !peer.Match(d.acm.KeychainContext()) {
		return nil, ssoerr.New(ssoerr.PermissionDenied, "peer %s lacks keychain context", peer)
	}
	d.touch()
	return d.metaDB.QueryIdentities(ctx, filter)
}

// Clear wipes both stores and drops every identity from memory. It
// requires the keychain context, per spec.md §6.
func (d *Daemon) Clear(ctx context.Context, peer secctx.Context) error {
	if !peer.Match(d.acm.KeychainContext()) {
		return ssoerr.New(ssoerr.PermissionDenied, "peer %s lacks keychain context", peer)
	}
	if err := d.secretDB.Clear(ctx); err != nil {
		return ssoerr.Wrap(ssoerr.RemoveFailed, err, "clear secret db")
	}
	if err := d.metaDB.Clear(ctx); err != nil {
		return ssoerr.Wrap(ssoerr.RemoveFailed, err, "clear metadata db")
	}
	d.mu.Lock()
	d.byHandle = map[string]*identity.Identity{}
	d.byID = map[uint32]*identity.Identity{}
	d.touch()
	d.mu.Unlock()
	return nil
}

// ReapIdentities drops every in-memory identity that is idle (no live
// sessions, untouched longer than IdentityTimeout) from the registry.
// Stored identities are simply forgotten, not deleted, and will be
// reloaded from the Metadata DB on next use; unstored ones vanish for
// good, matching gsignond-daemon.c's periodic disposal sweep.
func (d *Daemon) ReapIdentities() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for handle, ident := range d.byHandle {
		if ident.Idle() {
			delete(d.byHandle, handle)
			n++
		}
	}
	for id, ident := range d.byID {
		if ident.Idle() {
			delete(d.byID, id)
			n++
		}
	}
	return n
}

// Idle reports whether the daemon itself has no tracked identities and
// has been untouched longer than DaemonTimeout, making it eligible for
// self-exit per spec.md §6's ObjectTimeouts/DaemonTimeout.
func (d *Daemon) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.daemonTimeout <= 0 {
		return false
	}
	if len(d.byHandle) > 0 || len(d.byID) > 0 {
		return false
	}
	return time.Since(d.lastTouched) > d.daemonTimeout
}

// Shutdown tears down every shared collaborator. The plugin factory has
// no ordering dependency on storage, so it stops concurrently with the
// rest; but both database handles must finish closing (and, for the
// Secure storage variant, checkpointing their WAL) before storage is
// unmounted. Secure.UnmountFilesystem reads the Secret DB's plaintext
// file straight off disk — unmounting while secretDB is still open
// would race its WAL checkpoint and risk sealing a stale snapshot into
// the encrypted sidecar before wiping the plaintext, so a close failure
// skips the unmount. Failures from both branches are collected and
// joined rather than stopping at the first one.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var factoryErr, storageErr error
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		factoryErr = d.factory.Shutdown()
		return nil
	})
	g.Go(func() error {
		metaErr := d.metaDB.Close()
		secretErr := d.secretDB.Close()
		if err := errors.Join(metaErr, secretErr); err != nil {
			storageErr = err
			return nil
		}
		storageErr = d.storage.UnmountFilesystem()
		return nil
	})
	_ = g.Wait()
	return errors.Join(factoryErr, storageErr)
}
