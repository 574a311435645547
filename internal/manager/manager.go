package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/history"
	"github.com/loykin/stackbox/internal/metrics"
	"github.com/loykin/stackbox/internal/process"
)

const historyTimeout = 5 * time.Second

// Options configures a Manager. Zero values are usable.
type Options struct {
	Launcher process.Launcher
	Logger   *slog.Logger
	History  []history.Sink
	// DetectorFor overrides how a service is checked; nil uses Spec.Detector.
	DetectorFor func(process.Spec) detector.Detector
}

// Manager is the service controller: start, stop and restart for a fixed set
// of services, one in-flight operation per service.
type Manager struct {
	names    []string
	services map[string]*service
	exec     *Executor
	life     Lifecycle
	uptime   *Uptime
	sinks    []history.Sink
	log      *slog.Logger
	pending  sync.WaitGroup
	detect   func(process.Spec) detector.Detector

	drained  chan struct{}
	drainErr error
}

type service struct {
	spec  process.Spec
	guard guard

	mu   sync.Mutex
	task *Task // in-flight run, nil when idle
}

// execute runs r as an abortable task owned by svc. Once draining has begun
// no start run is created, so abortStarts cannot miss one.
func (m *Manager) execute(ctx context.Context, svc *service, r Run) Outcome {
	svc.mu.Lock()
	if r.Action == ActionStart && !m.life.Accepting() {
		svc.mu.Unlock()
		m.log.Info("start refused while draining", "service", r.Service)
		return failed(&ActionError{Service: r.Service, Action: r.Action, Cause: ErrDraining}, 0, 0)
	}
	t := m.exec.Go(ctx, r)
	svc.task = t
	svc.mu.Unlock()
	out := t.Wait()
	svc.mu.Lock()
	svc.task = nil
	svc.mu.Unlock()
	return out
}

func (svc *service) abort(only ...Action) (Action, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.task == nil {
		return "", false
	}
	a := svc.task.Action()
	if len(only) > 0 && !slices.Contains(only, a) {
		return a, false
	}
	svc.task.Cancel()
	return a, true
}

// New validates specs and builds a Manager. Specs are copied; defaults are
// applied to the copies.
func New(specs []process.Spec, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		services: make(map[string]*service, len(specs)),
		exec:     &Executor{Launcher: opts.Launcher, Logger: log},
		uptime:   NewUptime(),
		sinks:    append([]history.Sink(nil), opts.History...),
		log:      log,
		drained:  make(chan struct{}),
		detect:   opts.DetectorFor,
	}
	if m.detect == nil {
		m.detect = process.Spec.Detector
	}
	for _, s := range specs {
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.services[s.Name]; dup {
			return nil, fmt.Errorf("service %q defined twice", s.Name)
		}
		m.services[s.Name] = &service{spec: s, guard: newGuard()}
		m.names = append(m.names, s.Name)
	}
	metrics.SetLifecycleState(StateRunning.String(), stateNames)
	return m, nil
}

// Services returns the service specs in configuration order.
func (m *Manager) Services() []process.Spec {
	out := make([]process.Spec, 0, len(m.names))
	for _, n := range m.names {
		out = append(out, m.services[n].spec)
	}
	return out
}

// Spec returns the spec of one service.
func (m *Manager) Spec(name string) (process.Spec, error) {
	svc, ok := m.services[name]
	if !ok {
		return process.Spec{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return svc.spec, nil
}

func (m *Manager) Lifecycle() *Lifecycle { return &m.life }
func (m *Manager) Uptime() *Uptime       { return m.uptime }

// admit resolves name and takes its guard for a user operation.
func (m *Manager) admit(name string) (*service, error) {
	svc, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if !m.life.Accepting() {
		return nil, ErrDraining
	}
	if !svc.guard.TryAcquire() {
		return nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	return svc, nil
}

// Start launches the start command and waits for the service to run.
// err is non-nil exactly when the outcome is not a success.
func (m *Manager) Start(ctx context.Context, name string) (Outcome, error) {
	if spec, err := m.Spec(name); err == nil && !spec.CanStart() {
		return Outcome{Service: name, Action: ActionStart}, fmt.Errorf("%w: %s", ErrNoCommand, name)
	}
	svc, err := m.admit(name)
	if err != nil {
		return Outcome{Service: name, Action: ActionStart}, err
	}
	defer svc.guard.Release()
	out := m.start(ctx, svc)
	m.record(out)
	return out, out.Err
}

// Stop launches the stop action and waits for the service to go away,
// escalating to a hard kill when the service defines one.
func (m *Manager) Stop(ctx context.Context, name string) (Outcome, error) {
	svc, err := m.admit(name)
	if err != nil {
		return Outcome{Service: name, Action: ActionStop}, err
	}
	defer svc.guard.Release()
	out := m.stop(ctx, svc)
	m.record(out)
	return out, out.Err
}

// Restart stops then starts. A failed stop fails the restart with the stop's
// error and start is never attempted.
func (m *Manager) Restart(ctx context.Context, name string) (Outcome, error) {
	if spec, err := m.Spec(name); err == nil && !spec.CanStart() {
		return Outcome{Service: name, Action: ActionRestart}, fmt.Errorf("%w: %s", ErrNoCommand, name)
	}
	svc, err := m.admit(name)
	if err != nil {
		return Outcome{Service: name, Action: ActionRestart}, err
	}
	defer svc.guard.Release()

	begin := time.Now()
	stopped := m.stop(ctx, svc)
	if !stopped.Success {
		out := stopped
		out.Action = ActionRestart
		out.Elapsed = time.Since(begin)
		m.record(out)
		return out, out.Err
	}
	started := m.start(ctx, svc)
	out := started
	out.Action = ActionRestart
	out.Polls = stopped.Polls + started.Polls
	out.Escalated = stopped.Escalated
	out.Elapsed = time.Since(begin)
	m.record(out)
	return out, out.Err
}

func (m *Manager) start(ctx context.Context, svc *service) Outcome {
	s := svc.spec
	out := m.execute(ctx, svc, Run{
		Service:  s.Name,
		Action:   ActionStart,
		Launch:   s.StartLaunch(),
		Detector: m.detect(s),
		Attempts: s.MaxAttempts,
		Delay:    s.PollInterval,
	})
	if out.Success {
		m.uptime.Observe(s.Name, true, time.Now())
	}
	return out
}

func (m *Manager) stop(ctx context.Context, svc *service) Outcome {
	s := svc.spec
	begin := time.Now()
	graceful := m.execute(ctx, svc, Run{
		Service:  s.Name,
		Action:   ActionStop,
		Launch:   s.StopLaunch(),
		Detector: m.detect(s),
		Attempts: s.MaxAttempts,
		Delay:    s.PollInterval,
	})
	if graceful.Success {
		m.uptime.Observe(s.Name, false, time.Now())
		return graceful
	}
	if s.Escalation.Attempts == 0 || errors.Is(graceful.Err, ErrCanceled) {
		return graceful
	}

	m.log.Warn("graceful stop exhausted, escalating", "service", s.Name, "signal", s.Escalation.Signal, "attempts", s.Escalation.Attempts)
	metrics.IncEscalation(s.Name)
	kill := m.execute(ctx, svc, Run{
		Service:  s.Name,
		Action:   ActionStop,
		Launch:   s.KillLaunch(),
		Detector: m.detect(s),
		Attempts: s.Escalation.Attempts,
		Delay:    s.PollInterval,
	})
	polls := graceful.Polls + kill.Polls
	if kill.Success {
		m.uptime.Observe(s.Name, false, time.Now())
		out := succeeded(s.Name, ActionStop, polls, time.Since(begin))
		out.Escalated = true
		return out
	}
	ae := &ActionError{Service: s.Name, Action: ActionStop, Attempts: polls, Cause: ErrVerificationTimeout}
	var last *ActionError
	if errors.As(kill.Err, &last) {
		ae.Cause = last.Cause
		ae.LaunchErr = last.LaunchErr
	}
	var first *ActionError
	if ae.LaunchErr == nil && errors.As(graceful.Err, &first) {
		ae.LaunchErr = first.LaunchErr
	}
	out := failed(ae, polls, time.Since(begin))
	out.Escalated = true
	return out
}

// Abort cancels the run in flight on a service, if any. The interrupted
// operation then fails with ErrCanceled. It reports whether a run was
// cancelled.
func (m *Manager) Abort(name string) (bool, error) {
	svc, ok := m.services[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	a, ok := svc.abort()
	if ok {
		m.log.Warn("run aborted", "service", name, "action", a)
	}
	return ok, nil
}

// abortStarts cancels in-flight start runs so a drain does not wait out
// their budgets before stopping the service.
func (m *Manager) abortStarts() {
	for _, n := range m.names {
		if _, ok := m.services[n].abort(ActionStart); ok {
			m.log.Info("start aborted by drain", "service", n)
		}
	}
}

// shutdownStop stops a service on behalf of the shutdown coordinator. It
// waits for any in-flight user operation instead of being rejected.
func (m *Manager) shutdownStop(ctx context.Context, name string) Outcome {
	svc := m.services[name]
	if err := svc.guard.Acquire(ctx); err != nil {
		ae := &ActionError{Service: name, Action: ActionStop, Cause: ErrCanceled}
		return failed(ae, 0, 0)
	}
	defer svc.guard.Release()
	out := m.stop(ctx, svc)
	m.record(out)
	return out
}

// DeletePIDFile removes a service's stale PID file. It refuses while the
// service is running.
func (m *Manager) DeletePIDFile(ctx context.Context, name string) error {
	svc, err := m.admit(name)
	if err != nil {
		return err
	}
	defer svc.guard.Release()
	s := svc.spec
	if s.PIDFile == "" {
		return fmt.Errorf("%w: %s declares no pid_file", ErrNoPIDFile, name)
	}
	if detector.Probe(ctx, m.detect(s)) {
		return fmt.Errorf("%w: %s", ErrRunning, name)
	}
	stale, _ := process.ReadPIDFile(s.PIDFile)
	if err := process.RemovePIDFile(s.PIDFile); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	m.log.Info("pid file removed", "service", name, "path", s.PIDFile, "stale_pid", stale)
	return nil
}

func (m *Manager) record(out Outcome) {
	metrics.RecordAction(out.Service, string(out.Action), out.Success, out.Elapsed.Seconds())
	metrics.AddPolls(out.Service, string(out.Action), out.Polls)
	if len(m.sinks) == 0 {
		return
	}
	evt := out.event()
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := history.Dispatch(ctx, m.sinks, evt); err != nil {
			m.log.Warn("history export failed", "service", out.Service, "error", err)
		}
	}()
}

// Flush waits for pending history exports or ctx.
func (m *Manager) Flush(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
