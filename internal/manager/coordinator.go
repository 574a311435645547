package manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultGrace is added on top of the slowest service's stop budget.
const DefaultGrace = 2 * time.Second

// Coordinator drains the manager at application exit: every service marked
// stop_on_exit is stopped concurrently, failures are tolerated and the whole
// drain is bounded by Ceiling.
type Coordinator struct {
	m     *Manager
	grace time.Duration
	log   *slog.Logger
}

func NewCoordinator(m *Manager, grace time.Duration) *Coordinator {
	if grace < 0 {
		grace = 0
	}
	return &Coordinator{m: m, grace: grace, log: m.log.With("component", "shutdown")}
}

// Ceiling is the longest a drain may take: the slowest service's
// (max_attempts + escalation attempts) x poll_interval, plus grace.
func (c *Coordinator) Ceiling() time.Duration {
	var longest time.Duration
	for _, s := range c.m.Services() {
		if s.StopOnExit {
			longest = max(longest, s.Ceiling())
		}
	}
	return longest + c.grace
}

// ShutdownAll stops every stop_on_exit service concurrently and returns once
// each has converged or given up, or the ceiling elapses. The returned error
// joins the individual failures; it never prevents the caller from exiting.
func (c *Coordinator) ShutdownAll(ctx context.Context) ([]Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Ceiling())
	defer cancel()

	var names []string
	for _, s := range c.m.Services() {
		if s.StopOnExit {
			names = append(names, s.Name)
		}
	}
	outs := make([]Outcome, len(names))
	var g errgroup.Group
	for i, n := range names {
		g.Go(func() error {
			outs[i] = c.m.shutdownStop(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outs {
		if !o.Success {
			errs = append(errs, o.Err)
		}
	}
	return outs, errors.Join(errs...)
}

// Close moves the lifecycle to Draining, drains, then to Terminating. The
// first caller performs the drain; later callers join it and get its result.
// User operations are rejected with ErrDraining from the moment Close starts
// and in-flight start runs are aborted.
func (c *Coordinator) Close(ctx context.Context) error {
	m := c.m
	if m.life.Advance(StateRunning) {
		c.drain(ctx)
		return m.drainErr
	}
	select {
	case <-m.drained:
		return m.drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	m := c.m
	defer close(m.drained)
	begin := time.Now()
	c.log.Info("draining services", "ceiling", c.Ceiling())
	m.abortStarts()
	outs, err := c.ShutdownAll(ctx)
	m.drainErr = err
	if c.grace > 0 {
		fctx, cancel := context.WithTimeout(ctx, c.grace)
		m.Flush(fctx)
		cancel()
	}
	m.life.Advance(StateDraining)

	stopped := 0
	for _, o := range outs {
		if o.Success {
			stopped++
		}
	}
	elapsed := time.Since(begin).Round(time.Millisecond)
	if err != nil {
		c.log.Warn("drain finished with failures", "stopped", stopped, "total", len(outs), "error", err, "elapsed", elapsed)
		return
	}
	c.log.Info("drain complete", "stopped", stopped, "elapsed", elapsed)
}

// Drained is closed once a drain started by Close has finished.
func (c *Coordinator) Drained() <-chan struct{} { return c.m.drained }
