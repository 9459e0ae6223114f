// Package digest implements the "digest" method's sole mechanism: RFC
// 2617 HTTP Digest response computation. The identity rarely has a
// stored credential for this method (digest credentials are typically
// supplied per-request by the application), so Process almost always
// raises a UI request; Finish computes the standard
// HA1/HA2/response construction once username and password arrive.
package digest

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

// Method is this plugin's method name.
const Method = "digest"

// Mechanism is the digest method's sole mechanism.
const Mechanism = "digest"

// AlgorithmMD5Sess is the only algorithm this plugin implements.
const AlgorithmMD5Sess = "md5-sess"

// Capabilities reports this plugin's method/mechanism pair.
func Capabilities() contracts.Capabilities {
	return contracts.Capabilities{Method: Method, Mechanisms: []string{Mechanism}}
}

var nonceCounter uint64

// generateNonce mirrors gsignond_generate_nonce: an HMAC-SHA1 over a
// random key and a monotonic counter, rather than a bare random value,
// so every nonce is unpredictable and no two share the same MAC input.
func generateNonce() (string, error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("digest: read random key: %w", err)
	}
	counter := atomic.AddUint64(&nonceCounter, 1)
	mac := hmac.New(sha1.New, key)
	fmt.Fprintf(mac, "%d", counter)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Process validates the request has what this method always needs
// (realm present and allowed, and an md5-sess algorithm if one is named)
// and raises a UI request for username/password, since the identity
// practically never carries a stored digest credential. The method/URI
// pair that HA2 is built from is checked later, in Finish.
func Process(req contracts.ProcessRequest, allowedRealms []string) (*contracts.ProcessResult, error) {
	if req.Mechanism != Mechanism {
		return nil, fmt.Errorf("digest: unsupported mechanism %q", req.Mechanism)
	}

	realm, _ := req.SessionData.GetString("realm")
	if realm == "" {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "MissingData", Message: "realm required"},
		}, nil
	}
	if !contains(allowedRealms, realm) {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "NotAuthorized", Message: fmt.Sprintf("realm %q not allowed", realm)},
		}, nil
	}

	algo, _ := req.SessionData.GetString("algorithm")
	if algo != "" && algo != AlgorithmMD5Sess {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "MechanismNotAvailable", Message: fmt.Sprintf("algorithm %q not supported", algo)},
		}, nil
	}

	ui := dictionary.New()
	ui.SetString("query_username", "Username")
	ui.SetString("query_password", "Password")
	ui.SetString("realm", realm)
	return &contracts.ProcessResult{Outcome: contracts.OutcomeNeedsUI, UIRequest: ui, SessionData: req.SessionData}, nil
}

// Finish computes the RFC 2617 md5-sess Response once the UI broker
// supplies username/password, generating a fresh CNonce and using
// nc="00000001" and qop="auth" as the original implementation's
// single-request digest plugin does.
func Finish(sessionData *dictionary.Dictionary, reply *dictionary.Dictionary) (*contracts.ProcessResult, error) {
	username, _ := reply.GetString("username")
	password, _ := reply.GetString("password")
	if username == "" || password == "" {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "MissingData", Message: "username and password required"},
		}, nil
	}

	realm, _ := sessionData.GetString("realm")
	nonce, _ := sessionData.GetString("nonce")
	method, _ := sessionData.GetString("method")
	digestURI, _ := sessionData.GetString("digest_uri")
	if realm == "" || nonce == "" || method == "" || digestURI == "" {
		return &contracts.ProcessResult{
			Outcome: contracts.OutcomeError,
			Error:   &contracts.Error{Code: "MissingData", Message: "realm, nonce, method and digest_uri required"},
		}, nil
	}

	cnonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	const nc = "00000001"
	const qop = "auth"

	response := computeResponse(username, realm, password, nonce, cnonce, nc, qop, method, digestURI)

	out := dictionary.New()
	out.SetString("Response", response)
	out.SetString("CNonce", cnonce)
	out.SetString("nc", nc)
	out.SetString("qop", qop)
	out.SetString("username", username)
	return &contracts.ProcessResult{Outcome: contracts.OutcomeSuccess, SessionData: out}, nil
}

func computeResponse(username, realm, password, nonce, cnonce, nc, qop, method, digestURI string) string {
	ha1Base := md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", ha1Base, nonce, cnonce))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, digestURI))
	return md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
