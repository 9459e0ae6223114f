package sign_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/sign"
)

func TestManifestRoundTrip(t *testing.T) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)

	caps := contracts.Capabilities{Method: "digest", Mechanisms: []string{"digest"}}
	sig, err := sign.Manifest(key, caps)
	require.NoError(t, err)

	require.NoError(t, sign.VerifyManifest(&key.PublicKey, caps, sig))
}

func TestManifestRejectsTamperedCapabilities(t *testing.T) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)

	caps := contracts.Capabilities{Method: "digest", Mechanisms: []string{"digest"}}
	sig, err := sign.Manifest(key, caps)
	require.NoError(t, err)

	tampered := contracts.Capabilities{Method: "digest", Mechanisms: []string{"digest", "ntlm"}}
	require.Error(t, sign.VerifyManifest(&key.PublicKey, tampered, sig))
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := sign.GenerateKey()
	require.NoError(t, err)

	pemBytes := sign.EncodePrivateKeyPEM(key)
	decoded, err := sign.DecodePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	require.Equal(t, key.D, decoded.D)
}
