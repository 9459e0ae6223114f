// Package password implements the "password" method's single mechanism:
// it simply returns the identity's stored username/password, or asks the
// UI broker for them if none are stored. This is the simplest possible
// method plugin and exists mainly to exercise the full Auth Session
// pipeline end to end (spec.md S3).
package password

import (
	"fmt"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

// Method is this plugin's method name.
const Method = "password"

// Mechanism is the password method's sole mechanism.
const Mechanism = "password"

// Capabilities reports this plugin's method/mechanism pair.
func Capabilities() contracts.Capabilities {
	return contracts.Capabilities{Method: Method, Mechanisms: []string{Mechanism}}
}

// Process drives one step of the password method. If the identity has a
// stored credential, it is returned immediately as a final response. If
// not, a UI request is raised asking for username/password; the caller
// resumes via Finish once the UI broker returns a reply.
func Process(req contracts.ProcessRequest) (*contracts.ProcessResult, error) {
	if req.Mechanism != Mechanism {
		return nil, fmt.Errorf("password: unsupported mechanism %q", req.Mechanism)
	}

	if req.Identity.HasStoredSecret {
		username, _ := req.SessionData.GetString("username")
		password, _ := req.SessionData.GetString("password")
		if username == "" {
			username = req.Identity.Username
		}
		out := dictionary.New()
		out.SetString("username", username)
		out.SetString("secret", password)
		return &contracts.ProcessResult{Outcome: contracts.OutcomeSuccess, SessionData: out}, nil
	}

	ui := dictionary.New()
	ui.SetString("query_username", "Username")
	ui.SetString("query_password", "Password")
	return &contracts.ProcessResult{Outcome: contracts.OutcomeNeedsUI, UIRequest: ui}, nil
}

// Finish consumes the UI broker's reply to a prior needs-UI result and
// produces the final response.
func Finish(reply *dictionary.Dictionary) (*contracts.ProcessResult, error) {
	username, _ := reply.GetString("username")
	pw, _ := reply.GetString("password")
	if username == "" || pw == "" {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "MissingData", Message: "username and password required"},
		}, nil
	}
	out := dictionary.New()
	out.SetString("username", username)
	out.SetString("secret", pw)
	return &contracts.ProcessResult{Outcome: contracts.OutcomeSuccess, SessionData: out}, nil
}
