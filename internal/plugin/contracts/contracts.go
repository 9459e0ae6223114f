// Package contracts defines the wire protocol between the daemon and an
// out-of-process method plugin: JSON request/response bodies posted over
// HTTP-over-unix-socket, the same shape the teacher's plugin binaries
// speak (bindings/go/plugin/manager/registries/plugins' Call helper),
// adapted from OCM's capability-typed repository contracts to gsignond's
// fixed authentication-session protocol.
package contracts

import "github.com/gsignond/gsignond-go/internal/dictionary"

// Endpoint paths the plugin's HTTP server exposes. cmd/gsignond-plugin-*
// binaries register handlers at these paths; proxy.Proxy posts to them.
const (
	EndpointHealthz            = "healthz"
	EndpointCapabilities        = "capabilities"
	EndpointProcess             = "process"
	EndpointUserActionFinished  = "user-action-finished"
	EndpointRefresh             = "refresh"
	EndpointCancel              = "cancel"
)

// Capabilities is what a running plugin serves from its capabilities
// endpoint: its method name and the mechanisms it implements. Discovery
// queries it at daemon startup, and the verifying starter queries it
// again each time it spawns the plugin. Mirrors the shape of
// testplugin/main.go's "capabilities" subcommand, narrowed to the one
// field gsignond's method/mechanism model needs.
type Capabilities struct {
	Method      string   `json:"method"`
	Mechanisms  []string `json:"mechanisms"`
}

// ProcessRequest drives one authentication step. SessionData carries
// accumulated session parameters (realm, username hints, prior plugin
// state); Identity carries read-only identity fields a plugin may
// consult (username, stored credential availability) without reaching
// into the daemon's stores directly.
type ProcessRequest struct {
	Mechanism   string              `json:"mechanism"`
	SessionData *dictionary.Dictionary    `json:"session_data"`
	Identity    IdentityView        `json:"identity"`
}

// IdentityView is the subset of IdentityInfo a plugin is allowed to see.
type IdentityView struct {
	ID       uint32 `json:"id"`
	Username string `json:"username,omitempty"`
	HasStoredSecret bool `json:"has_stored_secret"`
}

// ProcessResult is what the plugin returns for a process request. Exactly
// one of SessionData (success), UIRequest (needs user interaction), or
// Error is meaningful per Outcome.
type ProcessResult struct {
	Outcome     Outcome             `json:"outcome"`
	SessionData *dictionary.Dictionary    `json:"session_data,omitempty"`
	UIRequest   *dictionary.Dictionary    `json:"ui_request,omitempty"`
	Error       *Error              `json:"error,omitempty"`
}

// Outcome tags what kind of ProcessResult this is.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNeedsUI      Outcome = "needs_ui"
	OutcomeError        Outcome = "error"
)

// UserActionFinishedRequest resumes a plugin after the UI broker returns
// a reply for the UIRequest a prior ProcessResult raised. SessionData
// carries the same accumulated session state the preceding ProcessRequest
// carried (the plugin process is stateless between HTTP calls, so
// anything it needs to remember across the UI round trip — realm,
// nonce, method, digest URI — has to be handed back to it here).
type UserActionFinishedRequest struct {
	Reply       *dictionary.Dictionary `json:"reply"`
	SessionData *dictionary.Dictionary `json:"session_data,omitempty"`
}

// Error is a structured plugin-reported failure, mapped onto the core
// error codes named in spec.md §9 (MechanismNotAvailable, MissingData,
// InvalidData, and so on).
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}
