// Package factory is the Plugin Factory half of C6: it keeps at most one
// live Driver (proxy.Proxy in production, an in-process stub in tests)
// per method, shared by reference among every session that asks for it,
// and evicts it after an idle window with no holders. Concurrent first
// acquisitions for the same method are de-duplicated with
// golang.org/x/sync/singleflight so two sessions racing to open the same
// method's first session never spawn two subprocesses, the same
// de-duplication role singleflight plays in the teacher's dependency
// graph (golang.org/x/sync is already an indirect dep of the teacher's
// cli and plugin go.mod files).
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
	"github.com/gsignond/gsignond-go/internal/plugin/proxy"
)

// Driver is what a Factory hands out: the subset of proxy.Proxy's
// surface a session needs, satisfied by *proxy.Proxy in production and
// by *ssotest.Driver in tests.
type Driver interface {
	Process(ctx context.Context, req contracts.ProcessRequest) (*contracts.ProcessResult, error)
	UserActionFinished(ctx context.Context, req contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error)
	Cancel(ctx context.Context) error
	Refresh(ctx context.Context) error
	Stop() error
}

// Starter launches (or looks up) the driver for method. The production
// Starter shells out via proxy.Start; tests substitute one that returns
// canned ssotest.Driver values.
type Starter func(ctx context.Context, method string) (Driver, error)

// Locator resolves a method name to its plugin binary path under
// General/PluginsDir, returning ok=false if no plugin provides method.
type Locator func(method string) (path string, ok bool)

// DefaultStarter builds a Starter that shells out to the plugin binary
// Locator resolves, passing config as its --config payload.
func DefaultStarter(locate Locator, config []byte) Starter {
	return func(ctx context.Context, method string) (Driver, error) {
		path, ok := locate(method)
		if !ok {
			return nil, fmt.Errorf("factory: no plugin binary for method %q", method)
		}
		return proxy.Start(ctx, method, path, config)
	}
}

type entry struct {
	driver   Driver
	refCount int
	timer    *time.Timer
}

// Factory pools one Driver per method. The zero value is not usable;
// build with New.
type Factory struct {
	mu          sync.Mutex
	start       Starter
	idleTimeout time.Duration
	logger      *slog.Logger
	group       singleflight.Group

	entries map[string]*entry
}

// New builds a Factory that uses start to launch plugins and evicts an
// idle one after idleTimeout (spec.md §4.4's ~300s default, configured
// via General/PluginTimeout).
func New(start Starter, idleTimeout time.Duration, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		start:       start,
		idleTimeout: idleTimeout,
		logger:      logger,
		entries:     make(map[string]*entry),
	}
}

// Acquire returns the live Driver for method, starting one if none is
// pooled. The caller must call Release exactly once when done with the
// driver. Concurrent Acquire calls for the same method that would
// otherwise race to start two processes are coalesced via singleflight.
func (f *Factory) Acquire(ctx context.Context, method string) (Driver, error) {
	f.mu.Lock()
	if e, ok := f.entries[method]; ok {
		e.refCount++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		f.mu.Unlock()
		return e.driver, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(method, func() (any, error) {
		f.mu.Lock()
		if e, ok := f.entries[method]; ok {
			f.mu.Unlock()
			return e.driver, nil
		}
		f.mu.Unlock()

		driver, err := f.start(ctx, method)
		if err != nil {
			return nil, fmt.Errorf("factory: start plugin %s: %w", method, err)
		}
		f.mu.Lock()
		f.entries[method] = &entry{driver: driver}
		f.mu.Unlock()
		return driver, nil
	})
	if err != nil {
		return nil, err
	}
	driver := v.(Driver)
	f.mu.Lock()
	if e, ok := f.entries[method]; ok && e.driver == driver {
		e.refCount++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	f.mu.Unlock()
	return driver, nil
}

// Release gives up the caller's hold on method's driver. When the last
// holder releases, an idle timer starts; if Acquire is called again
// before it fires, the timer is cancelled and the existing process is
// reused.
func (f *Factory) Release(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[method]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount > 0 {
		return
	}
	if f.idleTimeout <= 0 {
		f.evictLocked(method)
		return
	}
	e.timer = time.AfterFunc(f.idleTimeout, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.entries[method]; ok && cur.refCount == 0 {
			f.logger.Info("evicting idle plugin proxy", "method", method)
			f.evictLocked(method)
		}
	})
}

// Evict removes method's driver immediately regardless of refCount,
// stopping its process. Used when the factory observes the plugin died
// mid-request (spec.md §4.4 "plugin-process death") so the next
// Acquire starts a fresh one.
func (f *Factory) Evict(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(method)
}

func (f *Factory) evictLocked(method string) {
	e, ok := f.entries[method]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if err := e.driver.Stop(); err != nil {
		f.logger.Warn("error stopping plugin process", "method", method, "error", err)
	}
	delete(f.entries, method)
}

// Shutdown evicts every pooled driver, joining any stop errors.
func (f *Factory) Shutdown() error {
	f.mu.Lock()
	methods := make([]string, 0, len(f.entries))
	for method := range f.entries {
		methods = append(methods, method)
	}
	f.mu.Unlock()

	var errs []error
	for _, method := range methods {
		f.mu.Lock()
		e, ok := f.entries[method]
		if ok && e.timer != nil {
			e.timer.Stop()
		}
		delete(f.entries, method)
		f.mu.Unlock()
		if ok {
			if err := e.driver.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("factory: stop plugin %s: %w", method, err))
			}
		}
	}
	return errors.Join(errs...)
}
