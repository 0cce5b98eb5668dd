package oak

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/rdk/logging"
)

// workerManager watches the worker as an embedded supervisor. It owns the
// shared shutdown flag consumed by the acquisition loop and the getters, and
// it performs worker replacement when the loop signals that it has given up.
type workerManager struct {
	logger      logging.Logger
	reconfigure func()
	clock       clock.Clock
	interval    time.Duration

	running          atomic.Bool
	needsReconfigure atomic.Bool
	cancelCtx        context.Context
}

func newWorkerManager(
	cancelCtx context.Context,
	c clock.Clock,
	interval time.Duration,
	reconfigure func(),
	logger logging.Logger,
) *workerManager {
	m := &workerManager{
		logger:      logger,
		reconfigure: reconfigure,
		clock:       c,
		interval:    interval,
		cancelCtx:   cancelCtx,
	}
	m.running.Store(true)
	return m
}

// Running reports whether the worker is still live. Once false it never
// becomes true again; getters use this to stop waiting for frames.
func (m *workerManager) Running() bool {
	return m.running.Load()
}

// RequestReconfigure flags the worker for full replacement. The watch loop
// picks the flag up on its next check.
func (m *workerManager) RequestReconfigure() {
	m.needsReconfigure.Store(true)
}

// Stop ends the worker without replacement.
func (m *workerManager) Stop() {
	m.logger.Debug("stopping worker manager")
	m.running.Store(false)
}

// watch periodically checks whether the worker must be reconfigured. When the
// flag is set it invokes the replacement callback exactly once and exits,
// marking the worker stopped so that no getter waits on it forever.
func (m *workerManager) watch() {
	m.logger.Debug("starting worker manager")
	for m.running.Load() {
		if m.needsReconfigure.Load() {
			m.logger.Debug("worker needs reconfiguring; reconfiguring worker")
			m.reconfigure()
			m.running.Store(false)
			return
		}
		if !waitForTick(m.cancelCtx, m.clock, m.interval) {
			return
		}
	}
}

// waitForTick sleeps for the given interval on the supplied clock, returning
// false if the context is cancelled first.
func waitForTick(ctx context.Context, c clock.Clock, d time.Duration) bool {
	timer := c.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
