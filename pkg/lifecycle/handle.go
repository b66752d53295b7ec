// Package lifecycle provides a shutdown handle for background goroutines
// (cmd/taskmesh-worker uses it for its forwarding goroutines), modelled on
// the teacher's paired Start()/Stop() methods generalized to context
// cancellation.
package lifecycle

import (
	"context"
	"sync"
)

// Handle is returned by New and tracks the goroutines started with Go.
// Close cancels their context and waits for them to exit.
type Handle struct {
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New creates a Handle and the context its goroutines should select on.
// Goroutines started through the Handle's Go method are tracked by its
// internal WaitGroup, so Close waits for them.
func New(parent context.Context) (context.Context, *Handle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Handle{cancel: cancel, wg: &sync.WaitGroup{}}
}

// Go runs fn in a new goroutine tracked by the handle's WaitGroup.
func (h *Handle) Go(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Close cancels the handle's context and blocks until every goroutine
// started with Go has returned.
func (h *Handle) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}
