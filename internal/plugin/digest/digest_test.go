package digest_test

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/digest"
)

func TestProcessRequiresAllowedRealm(t *testing.T) {
	sd := dictionary.New()
	sd.SetString("realm", "unknown-realm")
	req := contracts.ProcessRequest{Mechanism: digest.Mechanism, SessionData: sd}

	result, err := digest.Process(req, []string{"known-realm"})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeError, result.Outcome)
	assert.Equal(t, "NotAuthorized", result.Error.Code)
}

func TestProcessRaisesUIForKnownRealm(t *testing.T) {
	sd := dictionary.New()
	sd.SetString("realm", "example.com")
	req := contracts.ProcessRequest{Mechanism: digest.Mechanism, SessionData: sd}

	result, err := digest.Process(req, []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeNeedsUI, result.Outcome)
}

func TestFinishComputesStandardMD5SessResponse(t *testing.T) {
	sd := dictionary.New()
	sd.SetString("realm", "example.com")
	sd.SetString("nonce", "abc")
	sd.SetString("method", "GET")
	sd.SetString("digest_uri", "/r")

	reply := dictionary.New()
	reply.SetString("username", "u")
	reply.SetString("password", "p")

	result, err := digest.Finish(sd, reply)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeSuccess, result.Outcome)

	cnonce, ok := result.SessionData.GetString("CNonce")
	require.True(t, ok)
	require.NotEmpty(t, cnonce)

	ha1Base := md5Hex("u:example.com:p")
	ha1 := md5Hex(fmt.Sprintf("%s:abc:%s", ha1Base, cnonce))
	ha2 := md5Hex("GET:/r")
	want := md5Hex(fmt.Sprintf("%s:abc:00000001:%s:auth:%s", ha1, cnonce, ha2))

	got, ok := result.SessionData.GetString("Response")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestFinishRequiresUsernameAndPassword(t *testing.T) {
	sd := dictionary.New()
	sd.SetString("realm", "example.com")
	sd.SetString("nonce", "abc")
	sd.SetString("method", "GET")
	sd.SetString("digest_uri", "/r")

	result, err := digest.Finish(sd, dictionary.New())
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeError, result.Outcome)
	assert.Equal(t, "MissingData", result.Error.Code)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
