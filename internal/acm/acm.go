// Package acm is the Access Control Manager (C5): peer context
// resolution and the use/owner/acl-validity predicates every other
// component consults at a boundary crossing. It follows the vtable the
// teacher's credentials graph resolves against (bindings/go/credentials'
// narrow Resolver interface) — one small interface, swappable platform
// policy — rather than the original's GObject class hierarchy of
// interchangeable extensions (test vs. tizen).
package acm

import (
	"fmt"

	"github.com/gsignond/gsignond-go/internal/secctx"
)

// KeychainAppID is the privileged identity used for administrative
// operations, matching tizen-access-control-manager.c's keychainAppId.
const KeychainAppID = "gSignond::keychain"

// TransportHint identifies the calling peer by whatever channel
// information the transport exposes: a unix peer credential, a D-Bus
// unique name, or (in tests) a bare label.
type TransportHint struct {
	PeerFD      int // -1 if not applicable
	PeerService string
	PeerAppCtx  string
}

// PlatformPolicy authorises peer to act on owner at the system layer,
// beyond the ACL match itself. The tizen extension calls into libsmack's
// have_access; no Go package in this module's dependency surface wraps
// Smack, so the shipped policies are AlwaysAllow (matching
// test-access-control-manager.c, the default for non-Tizen deployments)
// and a pluggable func for anything stricter a deployment wants to wire
// in later.
type PlatformPolicy func(peer, owner secctx.Context) bool

// AlwaysAllow is the test/default platform policy: every peer the ACL
// already matched is authorised at the system layer too.
func AlwaysAllow(secctx.Context, secctx.Context) bool { return true }

// Manager implements the C5 operations.
type Manager struct {
	policy          PlatformPolicy
	resolvePeer     func(TransportHint) (secctx.Context, error)
	keychainContext secctx.Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlatformPolicy overrides the default AlwaysAllow policy.
func WithPlatformPolicy(p PlatformPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithPeerResolver overrides how TransportHint resolves to a
// SecurityContext; the default treats PeerService as the system label
// directly, suitable for in-process and test transports.
func WithPeerResolver(f func(TransportHint) (secctx.Context, error)) Option {
	return func(m *Manager) { m.resolvePeer = f }
}

// New builds a Manager with AlwaysAllow policy and the default resolver
// unless overridden by opts.
func New(opts ...Option) *Manager {
	m := &Manager{
		policy:          AlwaysAllow,
		keychainContext: secctx.NewWithApplication(KeychainAppID, secctx.Wildcard),
	}
	m.resolvePeer = func(hint TransportHint) (secctx.Context, error) {
		if hint.PeerService == "" {
			return secctx.Context{}, fmt.Errorf("acm: transport hint has no resolvable peer")
		}
		return secctx.NewWithApplication(hint.PeerService, hint.PeerAppCtx), nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PeerContext resolves hint to the calling peer's SecurityContext.
func (m *Manager) PeerContext(hint TransportHint) (secctx.Context, error) {
	return m.resolvePeer(hint)
}

// PeerIsAllowedToUse is true iff peer matches some entry in acl and the
// platform policy authorises peer to act on owner, mirroring
// extension_tizen_access_control_manager_peer_is_allowed_to_use_identity's
// "match in ACL, then check system policy" structure.
func (m *Manager) PeerIsAllowedToUse(peer secctx.Context, owner secctx.Context, acl secctx.ACL) bool {
	if !acl.Contains(peer) {
		return false
	}
	return m.policy(peer, owner)
}

// PeerIsOwner is equality under the match relation, matching
// extension_tizen_access_control_manager_peer_is_owner_of_identity's call
// into gsignond_security_context_compare.
func (m *Manager) PeerIsOwner(peer secctx.Context, owner secctx.Context) bool {
	return peer.Match(owner)
}

// ACLIsValid validates that peer may set acl: every entry must be equal
// to peer, or narrower than it where peer's system or application is the
// wildcard. An entry broader than peer (a wildcard where peer names a
// specific system or application) and an unrelated context are both
// rejected.
func (m *Manager) ACLIsValid(peer secctx.Context, acl secctx.ACL) bool {
	for _, entry := range acl {
		sysOK := entry.System == peer.System || peer.System == secctx.Wildcard
		appOK := entry.Application == peer.Application || peer.Application == secctx.Wildcard
		if !sysOK || !appOK {
			return false
		}
	}
	return true
}

// KeychainContext returns the privileged context allowed administrative
// operations such as clear.
func (m *Manager) KeychainContext() secctx.Context {
	return m.keychainContext
}
