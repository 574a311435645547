package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/logger"
	"github.com/loykin/stackbox/internal/process"
)

// Run is one verified action: launch once, then poll until the service
// reaches the state Action implies or Attempts polls have been spent.
type Run struct {
	Service  string
	Action   Action // ActionStart waits for running, ActionStop for not running
	Launch   process.Launch
	Detector detector.Detector
	Attempts int
	Delay    time.Duration
}

func (r Run) wantRunning() bool { return r.Action == ActionStart }

// Executor drives verified actions. The zero value launches with an
// ExecLauncher and logs to slog.Default().
type Executor struct {
	Launcher process.Launcher
	Logger   *slog.Logger
}

func (e *Executor) launcher() process.Launcher {
	if e.Launcher != nil {
		return e.Launcher
	}
	return process.ExecLauncher{Logger: e.logger()}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute launches r once and polls its detector every r.Delay, the first
// poll also after r.Delay. Checks are strictly sequential. It returns exactly
// one Outcome and leaves no timer behind on any path.
func (e *Executor) Execute(ctx context.Context, r Run) Outcome {
	begin := time.Now()
	log := e.logger().With("service", r.Service, "action", string(r.Action))
	attempts := max(r.Attempts, 1)

	var launchErr error
	log.Debug("launching", "command", r.Launch.String())
	if err := e.launcher().Launch(ctx, r.Launch); err != nil {
		// keep polling: the target state may still be reached
		launchErr = err
		log.Warn("launch failed", "error", err)
	}

	timer := time.NewTimer(r.Delay)
	defer timer.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return e.fail(log, r, ErrCanceled, launchErr, polls, begin)
		case <-timer.C:
		}

		polls++
		alive := detector.Probe(ctx, r.Detector)
		if ctx.Err() != nil {
			// an aborted det reads as "not running"; do not trust it
			return e.fail(log, r, ErrCanceled, launchErr, polls, begin)
		}
		log.Debug("poll", "attempt", polls, "of", attempts, "running", alive)
		if alive == r.wantRunning() {
			out := succeeded(r.Service, r.Action, polls, time.Since(begin))
			log.Info("action converged", "polls", polls, logger.Elapsed(out.Elapsed))
			return out
		}
		if polls >= attempts {
			return e.fail(log, r, ErrVerificationTimeout, launchErr, polls, begin)
		}
		timer.Reset(r.Delay)
	}
}

func (e *Executor) fail(log *slog.Logger, r Run, cause, launchErr error, polls int, begin time.Time) Outcome {
	out := failed(&ActionError{
		Service:   r.Service,
		Action:    r.Action,
		Attempts:  polls,
		Cause:     cause,
		LaunchErr: launchErr,
	}, polls, time.Since(begin))
	log.Warn("action failed", "reason", out.Reason, logger.Elapsed(out.Elapsed))
	return out
}

// Task is an in-flight Execute run that can be aborted.
type Task struct {
	action Action
	cancel context.CancelFunc
	done   chan struct{}
	out    Outcome
}

// Go runs Execute in the background.
func (e *Executor) Go(ctx context.Context, r Run) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{action: r.Action, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		t.out = e.Execute(ctx, r)
		close(t.done)
	}()
	return t
}

// Cancel aborts the run; it then resolves with ErrCanceled unless it had
// already converged. Safe to call more than once.
func (t *Task) Cancel() { t.cancel() }

func (t *Task) Action() Action { return t.action }

// Done is closed once the outcome is available.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the run resolves.
func (t *Task) Wait() Outcome {
	<-t.done
	return t.out
}

// Outcome returns the result without blocking; ok is false while running.
func (t *Task) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.out, true
	default:
		return Outcome{}, false
	}
}
