// Package ssotest is an in-process stand-in for an out-of-process method
// plugin, used only by this repository's own tests. The original
// implementation ships an analogous gsignond-ssotest-plugin binary for
// exercising multi-step request/response sequences the shipped plugins
// (password, single-shot; digest, one UI round trip) don't naturally
// hit; this is its Go counterpart, reimplemented as an in-memory driver
// rather than a subprocess since tests don't need real process
// isolation to exercise the session state machine.
//
// Driver satisfies internal/plugin/factory.Driver structurally, so a
// factory.Factory can be built with a starter that hands out *Driver
// values directly, skipping subprocess spawning entirely in tests.
package ssotest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gsignond/gsignond-go/internal/plugin/contracts"
)

var pidCounter int64

// Step is one scripted response the driver returns for the Nth call to
// Process or UserActionFinished, in order.
type Step struct {
	Result *contracts.ProcessResult
	Err    error
}

// Driver plays back a scripted sequence of Steps, one per call, letting
// tests exercise multi-step plugin conversations (response → UI →
// response-final) deterministically.
type Driver struct {
	Method string

	steps    []Step
	cursor   int
	canceled bool
	stopped  bool
	pid      int
}

// New returns a driver for method that plays back steps in order. Calling
// Process/UserActionFinished more times than len(steps) is a test bug and
// panics, matching how a misconfigured script should fail loudly rather
// than silently succeed.
func New(method string, steps ...Step) *Driver {
	return &Driver{
		Method: method,
		steps:  steps,
		pid:    int(atomic.AddInt64(&pidCounter, 1)),
	}
}

func (d *Driver) next() (*contracts.ProcessResult, error) {
	if d.canceled {
		return nil, fmt.Errorf("ssotest: driver canceled")
	}
	if d.cursor >= len(d.steps) {
		panic(fmt.Sprintf("ssotest: %s driver exhausted its %d scripted steps", d.Method, len(d.steps)))
	}
	step := d.steps[d.cursor]
	d.cursor++
	return step.Result, step.Err
}

func (d *Driver) Process(_ context.Context, _ contracts.ProcessRequest) (*contracts.ProcessResult, error) {
	return d.next()
}

func (d *Driver) UserActionFinished(_ context.Context, _ contracts.UserActionFinishedRequest) (*contracts.ProcessResult, error) {
	return d.next()
}

func (d *Driver) Cancel(_ context.Context) error {
	d.canceled = true
	return nil
}

func (d *Driver) Refresh(_ context.Context) error {
	return nil
}

func (d *Driver) Stop() error {
	d.stopped = true
	return nil
}

// Pid returns a synthetic, monotonically assigned process id so pooling
// tests can assert "same id within the idle window, new id after".
func (d *Driver) Pid() int { return d.pid }

// Stopped reports whether Stop was called, for factory eviction tests.
func (d *Driver) Stopped() bool { return d.stopped }
