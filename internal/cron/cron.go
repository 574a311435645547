package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/stackbox/internal/manager"
)

// Controller is the subset of the manager a schedule drives.
type Controller interface {
	Start(ctx context.Context, name string) (manager.Outcome, error)
	Stop(ctx context.Context, name string) (manager.Outcome, error)
	Restart(ctx context.Context, name string) (manager.Outcome, error)
}

// Job runs one lifecycle action against one service on a fixed period.
// Schedule supports only the form "@every <duration>" (e.g., "@every 24h").
// A tick that arrives while the previous run of the same job is still in
// flight is skipped. A tick rejected because the service is busy is logged
// and not retried.
type Job struct {
	Name     string
	Service  string
	Action   manager.Action
	Schedule string

	period  time.Duration
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs reports how many ticks started an action.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped reports how many ticks were dropped because of overlap.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// Validate checks the job definition on its own.
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.New("schedule requires a name")
	}
	if j.Service == "" {
		return fmt.Errorf("schedule %s: service is required", j.Name)
	}
	switch j.Action {
	case manager.ActionStart, manager.ActionStop, manager.ActionRestart:
	default:
		return fmt.Errorf("schedule %s: unknown action %q", j.Name, j.Action)
	}
	if j.Schedule == "" {
		return fmt.Errorf("schedule %s: schedule expression is required", j.Name)
	}
	d, err := parseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// Scheduler runs jobs against a Controller.
// Use Start to launch the background tickers, and Stop to cancel them.
type Scheduler struct {
	ctl  Controller
	log  *slog.Logger
	jobs []*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(ctl Controller, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{ctl: ctl, log: log.With("component", "cron")}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("schedule %s defined twice", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []*Job { return append([]*Job(nil), s.jobs...) }

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				s.log.Debug("tick skipped, previous run still active", "job", j.Name)
				continue
			}
			j.runs.Add(1)
			// run apart from the ticker so a long action does not delay ticks
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				s.fire(ctx, j)
			}()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *Job) {
	var (
		out manager.Outcome
		err error
	)
	switch j.Action {
	case manager.ActionStart:
		out, err = s.ctl.Start(ctx, j.Service)
	case manager.ActionStop:
		out, err = s.ctl.Stop(ctx, j.Service)
	case manager.ActionRestart:
		out, err = s.ctl.Restart(ctx, j.Service)
	}
	log := s.log.With("job", j.Name, "service", j.Service, "action", string(j.Action))
	switch {
	case errors.Is(err, manager.ErrBusy), errors.Is(err, manager.ErrDraining):
		log.Info("scheduled action not run", "reason", err)
	case err != nil:
		log.Warn("scheduled action failed", "error", err)
	default:
		log.Info("scheduled action done", "polls", out.Polls)
	}
}

// Stop cancels all jobs and waits for in-flight actions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
