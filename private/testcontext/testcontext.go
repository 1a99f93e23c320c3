// Package testcontext provides a context.Context bound to a test's
// lifetime, plus scratch-file and deferred-check helpers, in the shape
// every storj.io-style test suite in this repo expects.
package testcontext

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// Context is a context.Context with testing helpers attached.
type Context struct {
	context.Context
	t      testing.TB
	cancel context.CancelFunc
}

// New returns a Context cancelled automatically after five minutes, and
// explicitly via Cleanup.
func New(t testing.TB) *Context {
	return NewWithTimeout(t, 5*time.Minute)
}

// NewWithTimeout is like New but cancels the context after timeout.
func NewWithTimeout(t testing.TB, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// Cleanup cancels the context. Safe to call multiple times.
func (ctx *Context) Cleanup() {
	ctx.cancel()
}

// File returns a path to name inside the test's temp directory.
func (ctx *Context) File(name string) string {
	return filepath.Join(ctx.t.TempDir(), name)
}

// Check fails the test if fn returns an error, intended for deferred
// cleanup calls such as `defer ctx.Check(f.Close)`.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.t.Errorf("cleanup failed: %v", err)
	}
}
