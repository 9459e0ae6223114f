package uibroker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/dictionary"
	"github.com/gsignond/gsignond-go/internal/uibroker"
)

type fakeAgent struct {
	mu     sync.Mutex
	shown  []string
	closed bool
	fail   bool
}

func (a *fakeAgent) Show(_ context.Context, dialogID string, _ *dictionary.Dictionary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return fmt.Errorf("agent unavailable")
	}
	a.shown = append(a.shown, dialogID)
	return nil
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAgent) lastShown() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.shown) == 0 {
		return ""
	}
	return a.shown[len(a.shown)-1]
}

func TestQueryDispatchesImmediatelyWhenIdle(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	done := make(chan struct{})
	b.Query(context.Background(), "session-1", dictionary.New(), func(*dictionary.Dictionary, error) { close(done) }, nil)

	assert.Equal(t, "session-1", b.ActiveCaller())
	assert.NotEmpty(t, agent.lastShown())
}

func TestSecondQueryQueuesFIFO(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	b.Query(context.Background(), "session-1", dictionary.New(), func(*dictionary.Dictionary, error) {}, nil)
	b.Query(context.Background(), "session-2", dictionary.New(), func(*dictionary.Dictionary, error) {}, nil)

	assert.Equal(t, "session-1", b.ActiveCaller())
	assert.Equal(t, 1, b.QueueLen())
}

func TestFinishAdvancesQueueInArrivalOrder(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	var order []string
	var mu sync.Mutex
	record := func(name string) func(*dictionary.Dictionary, error) {
		return func(*dictionary.Dictionary, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	b.Query(context.Background(), "session-1", dictionary.New(), record("session-1"), nil)
	b.Query(context.Background(), "session-2", dictionary.New(), record("session-2"), nil)
	b.Query(context.Background(), "session-3", dictionary.New(), record("session-3"), nil)

	first := agent.lastShown()
	b.Finish(context.Background(), first, dictionary.New(), nil)
	require.Equal(t, "session-2", b.ActiveCaller())

	second := agent.lastShown()
	b.Finish(context.Background(), second, dictionary.New(), nil)
	require.Equal(t, "session-3", b.ActiveCaller())

	third := agent.lastShown()
	b.Finish(context.Background(), third, dictionary.New(), nil)
	require.Equal(t, "", b.ActiveCaller())

	assert.Equal(t, []string{"session-1", "session-2", "session-3"}, order)
}

func TestRefreshDiscardedForStaleDialogID(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	var refreshed bool
	b.Query(context.Background(), "session-1", dictionary.New(), func(*dictionary.Dictionary, error) {}, func(*dictionary.Dictionary) { refreshed = true })

	b.Refresh("not-the-real-dialog-id", dictionary.New())
	assert.False(t, refreshed)

	b.Refresh(agent.lastShown(), dictionary.New())
	assert.True(t, refreshed)
}

func TestCancelQueuedRequestSynthesizesFinal(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	b.Query(context.Background(), "session-1", dictionary.New(), func(*dictionary.Dictionary, error) {}, nil)

	var gotErr error
	done := make(chan struct{})
	b.Query(context.Background(), "session-2", dictionary.New(), func(_ *dictionary.Dictionary, err error) {
		gotErr = err
		close(done)
	}, nil)

	cancelErr := fmt.Errorf("SessionCanceled")
	b.Cancel(context.Background(), "session-2", cancelErr)
	<-done

	assert.Equal(t, cancelErr, gotErr)
	assert.Equal(t, 0, b.QueueLen())
}

func TestCancelActiveRequestAdvancesQueue(t *testing.T) {
	agent := &fakeAgent{}
	b := uibroker.New(agent, nil)

	b.Query(context.Background(), "session-1", dictionary.New(), func(*dictionary.Dictionary, error) {}, nil)
	b.Query(context.Background(), "session-2", dictionary.New(), func(*dictionary.Dictionary, error) {}, nil)

	b.Cancel(context.Background(), "session-1", fmt.Errorf("SessionCanceled"))
	assert.Equal(t, "session-2", b.ActiveCaller())
}

func TestDispatchFailurePropagatesToOnFinalAndAdvances(t *testing.T) {
	agent := &fakeAgent{fail: true}
	b := uibroker.New(agent, nil)

	var err error
	b.Query(context.Background(), "session-1", dictionary.New(), func(_ *dictionary.Dictionary, e error) { err = e }, nil)

	assert.Error(t, err)
	assert.Equal(t, "", b.ActiveCaller())
}

// TestNilAgentFailsCleanlyInsteadOfPanicking covers the case a daemon
// started without --ui-helper configured: Broker must not panic on a nil
// Agent the first time a plugin needs a UI round trip.
func TestNilAgentFailsCleanlyInsteadOfPanicking(t *testing.T) {
	b := uibroker.New(nil, nil)

	var err error
	require.NotPanics(t, func() {
		b.Query(context.Background(), "session-1", dictionary.New(), func(_ *dictionary.Dictionary, e error) { err = e }, nil)
	})

	assert.Error(t, err)
	assert.Equal(t, "", b.ActiveCaller())
}
