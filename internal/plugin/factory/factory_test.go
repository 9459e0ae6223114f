package factory_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsignond/gsignond-go/internal/plugin/factory"
	"github.com/gsignond/gsignond-go/internal/plugin/ssotest"
)

func countingStarter(t *testing.T) (factory.Starter, *int32) {
	t.Helper()
	var starts int32
	starter := func(_ context.Context, method string) (factory.Driver, error) {
		atomic.AddInt32(&starts, 1)
		return ssotest.New(method), nil
	}
	return starter, &starts
}

func TestAcquireReusesWithinIdleWindow(t *testing.T) {
	starter, starts := countingStarter(t)
	f := factory.New(starter, 50*time.Millisecond, nil)

	d1, err := f.Acquire(context.Background(), "password")
	require.NoError(t, err)
	pid1 := d1.(*ssotest.Driver).Pid()
	f.Release("password")

	d2, err := f.Acquire(context.Background(), "password")
	require.NoError(t, err)
	pid2 := d2.(*ssotest.Driver).Pid()

	assert.Equal(t, pid1, pid2)
	assert.EqualValues(t, 1, atomic.LoadInt32(starts))
}

func TestAcquireStartsFreshAfterIdleTimeout(t *testing.T) {
	starter, starts := countingStarter(t)
	f := factory.New(starter, 10*time.Millisecond, nil)

	d1, err := f.Acquire(context.Background(), "password")
	require.NoError(t, err)
	pid1 := d1.(*ssotest.Driver).Pid()
	f.Release("password")

	time.Sleep(50 * time.Millisecond)

	d2, err := f.Acquire(context.Background(), "password")
	require.NoError(t, err)
	pid2 := d2.(*ssotest.Driver).Pid()

	assert.NotEqual(t, pid1, pid2)
	assert.EqualValues(t, 2, atomic.LoadInt32(starts))
}

func TestAcquireSharesAcrossConcurrentSessions(t *testing.T) {
	starter, starts := countingStarter(t)
	f := factory.New(starter, time.Second, nil)

	const n = 8
	pids := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := f.Acquire(context.Background(), "digest")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			pids[i] = d.(*ssotest.Driver).Pid()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, pids[0], pids[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(starts))
}

func TestEvictStopsDriver(t *testing.T) {
	var stopped *ssotest.Driver
	starter := func(_ context.Context, method string) (factory.Driver, error) {
		stopped = ssotest.New(method)
		return stopped, nil
	}
	f := factory.New(starter, time.Second, nil)

	_, err := f.Acquire(context.Background(), "password")
	require.NoError(t, err)
	f.Evict("password")

	assert.True(t, stopped.Stopped())
}

func TestAcquireStartFailurePropagates(t *testing.T) {
	starter := func(_ context.Context, method string) (factory.Driver, error) {
		return nil, fmt.Errorf("boom")
	}
	f := factory.New(starter, time.Second, nil)

	_, err := f.Acquire(context.Background(), "password")
	assert.Error(t, err)
}
