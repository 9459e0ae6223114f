// Package sign provides RSA-PSS signing and verification for plugin
// capability manifests (internal/plugin/contracts.Capabilities), the
// daemon's defense against a renamed or replaced plugin binary silently
// advertising a different mechanism set than the one it was vetted for.
//
// The teacher vendors this concern behind bindings/go/rsa, a package
// tied to OCM's own signature-algorithm registry abstraction that has no
// equivalent here; the RSA-PSS-over-SHA-256 primitive itself is carried
// forward directly with crypto/rsa + crypto/sha256, matching the
// digest-then-sign shape bindings/go/rsa wraps.
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

// GenerateKey creates a fresh RSA-2048 key pair suitable for signing
// capability manifests. `gsignond serve` calls it on every start and
// keeps the key in memory only, so each daemon run signs with a new key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("sign: generate key: %w", err)
	}
	return key, nil
}

// digest returns the canonical SHA-256 digest of caps, computed over its
// JSON encoding with struct field order fixed by encoding/json, which is
// sufficient here because Capabilities is never round-tripped through a
// map.
func digest(caps contracts.Capabilities) ([]byte, error) {
	data, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("sign: marshal capabilities: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Manifest signs caps with key, returning an RSA-PSS signature over its
// SHA-256 digest.
func Manifest(key *rsa.PrivateKey, caps contracts.Capabilities) ([]byte, error) {
	sum, err := digest(caps)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, sum, nil)
	if err != nil {
		return nil, fmt.Errorf("sign: sign manifest: %w", err)
	}
	return sig, nil
}

// VerifyManifest checks that sig is a valid RSA-PSS signature over caps
// under pub, returning a non-nil error if the manifest may have been
// altered or signed by a different key.
func VerifyManifest(pub *rsa.PublicKey, caps contracts.Capabilities, sig []byte) error {
	sum, err := digest(caps)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, sum, sig, nil); err != nil {
		return fmt.Errorf("sign: capability manifest signature invalid: %w", err)
	}
	return nil
}

// EncodePrivateKeyPEM and DecodePrivateKeyPEM convert a signing key to
// and from PKCS#1 PEM, the conventional at-rest form for an RSA key
// outside a registry. The daemon itself does not call them.

func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return pem.EncodeToMemory(block)
}

func DecodePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("sign: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sign: parse private key: %w", err)
	}
	return key, nil
}
