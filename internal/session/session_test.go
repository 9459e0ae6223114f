package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/plugin/ssotest"
	"github.com/gsignond/gsignond-go/internal/session"
	"github.com/gsignond/gsignond-go/internal/ssoerr"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

type stubCreds struct {
	view contracts.IdentityView
	data *dictionary.Dictionary
}

func (c stubCreds) Credential(context.Context) (contracts.IdentityView, *dictionary.Dictionary, error) {
	return c.view, c.data, nil
}

// echoAgent immediately answers every Show with reply, simulating a UI
// agent that completes without real user interaction delay.
type echoAgent struct {
	broker *uibroker.Broker
	reply  *dictionary.Dictionary
}

func (a *echoAgent) Show(ctx context.Context, dialogID string, _ *dictionary.Dictionary) error {
	go a.broker.Finish(ctx, dialogID, a.reply, nil)
	return nil
}

func (a *echoAgent) Close() error { return nil }

// stallAgent never answers; used to exercise cancellation mid-dialog.
type stallAgent struct{}

func (stallAgent) Show(context.Context, string, *dictionary.Dictionary) error { return nil }
func (stallAgent) Close() error                                              { return nil }

func newFactory(t *testing.T, driver factory.Driver) *factory.Factory {
	t.Helper()
	return factory.New(func(context.Context, string) (factory.Driver, error) {
		return driver, nil
	}, time.Minute, nil)
}

func TestProcessHappyPathNoUI(t *testing.T) {
	driver := ssotest.New("password", ssotest.Step{Result: &contracts.ProcessResult{
		Outcome:     contracts.OutcomeSuccess,
		SessionData: dictionaryWith("username", "u", "secret", "s"),
	}})
	f := newFactory(t, driver)
	broker := uibroker.New(&stallAgent{}, nil)
	creds := stubCreds{view: contracts.IdentityView{ID: 1, Username: "u", HasStoredSecret: true}, data: dictionary.New()}

	sess := session.New("password", f, broker, creds, time.Minute, nil)
	final, err := sess.Process(context.Background(), dictionary.New(), "password")
	require.NoError(t, err)

	username, _ := final.GetString("username")
	assert.Equal(t, "u", username)
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestProcessWithUIFallback(t *testing.T) {
	driver := ssotest.New("digest",
		ssotest.Step{Result: &contracts.ProcessResult{Outcome: contracts.OutcomeNeedsUI, UIRequest: dictionary.New()}},
		ssotest.Step{Result: &contracts.ProcessResult{Outcome: contracts.OutcomeSuccess, SessionData: dictionaryWith("Response", "deadbeef")}},
	)
	f := newFactory(t, driver)

	reply := dictionaryWith("username", "u", "password", "p")
	agent := &echoAgent{reply: reply}
	broker := uibroker.New(agent, nil)
	agent.broker = broker

	creds := stubCreds{view: contracts.IdentityView{ID: 2}, data: dictionary.New()}
	sess := session.New("digest", f, broker, creds, time.Minute, nil)

	final, err := sess.Process(context.Background(), dictionary.New(), "digest")
	require.NoError(t, err)
	resp, _ := final.GetString("Response")
	assert.Equal(t, "deadbeef", resp)
}

func TestCancelDuringUIYieldsSessionCanceled(t *testing.T) {
	driver := ssotest.New("digest",
		ssotest.Step{Result: &contracts.ProcessResult{Outcome: contracts.OutcomeNeedsUI, UIRequest: dictionary.New()}},
	)
	f := newFactory(t, driver)
	broker := uibroker.New(&stallAgent{}, nil)
	creds := stubCreds{view: contracts.IdentityView{ID: 3}, data: dictionary.New()}
	sess := session.New("digest", f, broker, creds, time.Minute, nil)

	resultCh := make(chan error, 1)
	go func() {
		_, err := sess.Process(context.Background(), dictionary.New(), "digest")
		resultCh <- err
	}()

	// Give Process time to reach AwaitingUI before cancelling.
	deadline := time.Now().Add(time.Second)
	for sess.State() != session.StateAwaitingUI && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, session.StateAwaitingUI, sess.State())

	sess.Cancel(context.Background())

	err := <-resultCh
	require.Error(t, err)
	assert.Equal(t, ssoerr.SessionCanceled, ssoerr.KindOf(err))

	// A follow-up cancel is a no-op and the session is usable again.
	sess.Cancel(context.Background())
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestPluginDeathSurfacesPluginDied(t *testing.T) {
	f := factory.New(func(context.Context, string) (factory.Driver, error) {
		return failingDriver{}, nil
	}, time.Minute, nil)
	broker := uibroker.New(&stallAgent{}, nil)
	creds := stubCreds{view: contracts.IdentityView{ID: 4}, data: dictionary.New()}
	sess := session.New("password", f, broker, creds, time.Minute, nil)

	_, err := sess.Process(context.Background(), dictionary.New(), "password")
	require.Error(t, err)
	assert.Equal(t, ssoerr.PluginDied, ssoerr.KindOf(err))
}

type failingDriver struct{}

func (failingDriver) Process(context.Context, contracts.ProcessRequest) (*contracts.ProcessResult, error) {
	return nil, assertErr
}
func (failingDriver) UserActionFinished(context.Context, contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error) {
	return nil, assertErr
}
func (failingDriver) Cancel(context.Context) error { return nil }
func (failingDriver) Refresh(context.Context) error { return nil }
func (failingDriver) Stop() error                   { return nil }

var assertErr = assertError("plugin process exited unexpectedly")

type assertError string

func (e assertError) Error() string { return string(e) }

func dictionaryWith(pairs ...string) *dictionary.Dictionary {
	d := dictionary.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		d.SetString(pairs[i], pairs[i+1])
	}
	return d
}
