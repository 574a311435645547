// Package stackbox controls a fixed set of external services (start, stop,
// restart with bounded verification), reports their status, and stops them
// all when the controller exits.
package stackbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackbox/internal/config"
	"github.com/loykin/stackbox/internal/cron"
	"github.com/loykin/stackbox/internal/history"
	"github.com/loykin/stackbox/internal/history/factory"
	"github.com/loykin/stackbox/internal/manager"
	"github.com/loykin/stackbox/internal/metrics"
	"github.com/loykin/stackbox/internal/process"
	"github.com/loykin/stackbox/internal/server"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type Config = config.Config

type Outcome = manager.Outcome

type Snapshot = manager.Snapshot

type HistorySink = history.Sink

var (
	ErrVerificationTimeout = manager.ErrVerificationTimeout
	ErrLaunchFailed        = manager.ErrLaunchFailed
	ErrCanceled            = manager.ErrCanceled
	ErrBusy                = manager.ErrBusy
	ErrUnknownService      = manager.ErrUnknownService
	ErrDraining            = manager.ErrDraining
	ErrNoCommand           = manager.ErrNoCommand
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options overrides parts of the wiring New derives from the configuration.
type Options struct {
	Logger     *slog.Logger
	Launcher   process.Launcher      // nil spawns real commands
	History    []HistorySink         // in addition to the configured DSNs
	Registerer prometheus.Registerer // nil uses the default registry
	// Gatherer backs /metrics; nil uses Registerer when it can gather.
	Gatherer prometheus.Gatherer
}

// Controller bundles the service manager with its monitor, shutdown
// coordinator and scheduled actions, built from one Config.
type Controller struct {
	cfg   *Config
	log   *slog.Logger
	mgr   *manager.Manager
	mon   *manager.Monitor
	coord *manager.Coordinator
	sched *cron.Scheduler
	sinks []history.Sink
	gath  prometheus.Gatherer

	closeOnce sync.Once
	closeErr  error
}

func New(cfg *Config, opts Options) (*Controller, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}
	launcher := opts.Launcher
	if launcher == nil {
		environ, err := cfg.Environment()
		if err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
		launcher = process.ExecLauncher{Env: environ, Logger: log}
	}

	sinks := append([]history.Sink(nil), opts.History...)
	if cfg.History.Enabled {
		configured, err := factory.NewSinks(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		sinks = append(sinks, configured...)
	}

	gath := opts.Gatherer
	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if g, ok := reg.(prometheus.Gatherer); ok && gath == nil {
			gath = g
		}
	}

	mgr, err := manager.New(specs, manager.Options{Launcher: launcher, Logger: log, History: sinks})
	if err != nil {
		_ = history.CloseAll(sinks)
		return nil, err
	}
	c := &Controller{
		cfg:   cfg,
		log:   log,
		mgr:   mgr,
		mon:   manager.NewMonitor(mgr, cfg.MonitorOptions()),
		coord: manager.NewCoordinator(mgr, cfg.Shutdown.Grace),
		sched: cron.NewScheduler(mgr, log),
		sinks: sinks,
		gath:  gath,
	}
	jobs, err := cfg.Jobs()
	if err != nil {
		_ = history.CloseAll(sinks)
		return nil, err
	}
	for _, j := range jobs {
		if err := c.sched.Add(j); err != nil {
			_ = history.CloseAll(sinks)
			return nil, err
		}
	}
	return c, nil
}

func (c *Controller) Services() []Spec { return c.mgr.Services() }

func (c *Controller) Start(ctx context.Context, name string) (Outcome, error) {
	return c.mgr.Start(ctx, name)
}

func (c *Controller) Stop(ctx context.Context, name string) (Outcome, error) {
	return c.mgr.Stop(ctx, name)
}

func (c *Controller) Restart(ctx context.Context, name string) (Outcome, error) {
	return c.mgr.Restart(ctx, name)
}

// Abort cancels the operation in flight on name, if any.
func (c *Controller) Abort(name string) (bool, error) { return c.mgr.Abort(name) }

func (c *Controller) DeletePIDFile(ctx context.Context, name string) error {
	return c.mgr.DeletePIDFile(ctx, name)
}

// Status checks the monitored services now.
func (c *Controller) Status(ctx context.Context) Snapshot { return c.mon.Refresh(ctx) }

// Subscribe receives every snapshot the monitor publishes.
func (c *Controller) Subscribe(buffer int) (<-chan Snapshot, func()) { return c.mon.Subscribe(buffer) }

// Handler serves the control API under the configured base path.
func (c *Controller) Handler() http.Handler {
	path := ""
	if c.cfg.Metrics.Enabled {
		path = c.cfg.Metrics.Path
	}
	return server.NewRouter(c.mgr, server.Options{
		BasePath:    c.cfg.Server.BasePath,
		Monitor:     c.mon,
		Coordinator: c.coord,
		MetricsPath: path,
		Gatherer:    c.gath,
		Logger:      c.log,
	}).Handler()
}

// Run drives the status monitor and the scheduled actions until ctx is done
// or a drain has finished.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.sched.Start(ctx); err != nil {
		return err
	}
	defer c.sched.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.mon.Run(ctx)
	}()
	select {
	case <-ctx.Done():
	case <-c.coord.Drained():
	}
	cancel()
	<-done
	return nil
}

// Shutdown drains: new operations are rejected and every stop_on_exit
// service is stopped within the shutdown ceiling. Concurrent calls join the
// same drain. History sinks are closed once the drain has finished and its
// events are flushed; a caller whose ctx ends first leaves them open.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.coord.Close(ctx)
	if !drained(ctx, c.coord.Drained()) {
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	c.closeOnce.Do(func() {
		c.mgr.Flush(ctx)
		c.closeErr = history.CloseAll(c.sinks)
	})
	return errors.Join(err, c.closeErr)
}

// Drained is closed once a drain has finished, whoever started it.
func (c *Controller) Drained() <-chan struct{} { return c.coord.Drained() }

// drained waits for ch unless ctx ends first. A finished drain wins over an
// expired ctx.
func drained(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
}
