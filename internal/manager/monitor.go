package manager

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/metrics"
)

// Snapshot maps each monitored service to whether it is running.
type Snapshot struct {
	Seq      uint64               `json:"seq"`
	At       time.Time            `json:"at"`
	Services map[string]bool      `json:"services"`
	Since    map[string]time.Time `json:"since,omitempty"`
}

// Snapshot dets every monitored service concurrently and returns once all
// dets have completed. Each call builds its own map.
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	var names []string
	for _, n := range m.names {
		if m.services[n].spec.Monitor {
			names = append(names, n)
		}
	}
	results := make([]bool, len(names))
	var g errgroup.Group
	for i, n := range names {
		d := m.detect(m.services[n].spec)
		g.Go(func() error {
			results[i] = detector.Probe(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{At: time.Now(), Services: make(map[string]bool, len(names))}
	for i, n := range names {
		snap.Services[n] = results[i]
	}
	return snap
}

// MonitorConfig controls the status monitor cadence.
type MonitorConfig struct {
	InitialDelay time.Duration // first cycle (default 1s)
	Interval     time.Duration // between cycles (default 60s)
	Timeout      time.Duration // per-cycle det budget (default Interval)
	Usage        bool          // sample CPU/memory of running services into metrics
}

func (c *MonitorConfig) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = c.Interval
	}
}

// Monitor periodically snapshots the manager's services and pushes each
// snapshot to subscribers.
type Monitor struct {
	m   *Manager
	cfg MonitorConfig
	log *slog.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	subs      map[chan Snapshot]struct{}
	last      Snapshot
	published uint64
}

func NewMonitor(m *Manager, cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		m:    m,
		cfg:  cfg,
		log:  m.log.With("component", "monitor"),
		subs: make(map[chan Snapshot]struct{}),
	}
}

// Run drives cycles until ctx is done. Cycles run independently: a cycle
// whose dets hang does not hold back the next one.
func (mo *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(mo.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, mo.cfg.Timeout)
			defer cancel()
			mo.Refresh(cctx)
		}()
		timer.Reset(mo.cfg.Interval)
	}
}

// Refresh runs one cycle: snapshot, uptime bookkeeping, metrics, publish.
// It is also the on-demand status path.
func (mo *Monitor) Refresh(ctx context.Context) Snapshot {
	seq := mo.seq.Add(1)
	snap := mo.m.Snapshot(ctx)
	snap.Seq = seq
	if ctx.Err() != nil {
		mo.log.Warn("status cycle exceeded its budget", "seq", seq, "error", ctx.Err())
	}

	if !mo.publish(&snap) {
		mo.log.Debug("stale status cycle dropped", "seq", seq)
		snap.Since = mo.m.uptime.All()
		return snap
	}
	if mo.cfg.Usage {
		for name, running := range snap.Services {
			if running {
				mo.sampleUsage(ctx, seq, name)
			}
		}
	}
	return snap
}

func (mo *Monitor) sampleUsage(ctx context.Context, seq uint64, name string) {
	spec := mo.m.services[name].spec
	if spec.Pattern == "" {
		return
	}
	pids, err := detector.FindPIDs(ctx, spec.Pattern, spec.MatchFull)
	if err != nil {
		mo.log.Debug("usage sample failed", "service", name, "error", err)
		return
	}
	u := metrics.SampleUsage(ctx, pids)
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.published == seq {
		metrics.SetUsage(name, u)
	}
}

// publish applies snap (uptime anchors, service gauges) and delivers it,
// unless a newer cycle already published; it then reports false and
// changes nothing. Slow subscribers miss snapshots rather than block the
// monitor.
func (mo *Monitor) publish(snap *Snapshot) bool {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if snap.Seq <= mo.published {
		return false
	}
	mo.published = snap.Seq

	up := mo.m.uptime
	for name, running := range snap.Services {
		up.Observe(name, running, snap.At)
		metrics.SetServiceUp(name, running)
		if !running && mo.cfg.Usage {
			metrics.SetUsage(name, metrics.Usage{})
		}
	}
	snap.Since = up.All()
	mo.last = *snap
	for ch := range mo.subs {
		select {
		case ch <- cloneSnapshot(*snap):
		default:
		}
	}
	return true
}

// Latest returns the most recently published snapshot.
func (mo *Monitor) Latest() (Snapshot, bool) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.published == 0 {
		return Snapshot{}, false
	}
	return cloneSnapshot(mo.last), true
}

// Subscribe registers a receiver of future snapshots. The returned func
// unsubscribes and closes the channel.
func (mo *Monitor) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, max(buffer, 1))
	mo.mu.Lock()
	mo.subs[ch] = struct{}{}
	mo.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			mo.mu.Lock()
			delete(mo.subs, ch)
			mo.mu.Unlock()
			close(ch)
		})
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Services = maps.Clone(s.Services)
	s.Since = maps.Clone(s.Since)
	return s
}

// Uptime records when each service was last seen to become running. It is
// display bookkeeping only and never decides service state.
type Uptime struct {
	mu    sync.RWMutex
	since map[string]time.Time
}

func NewUptime() *Uptime { return &Uptime{since: make(map[string]time.Time)} }

// Observe anchors name at `at` on a transition to running and clears the
// anchor when it is not running.
func (u *Uptime) Observe(name string, running bool, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !running {
		delete(u.since, name)
		return
	}
	if _, ok := u.since[name]; !ok {
		u.since[name] = at
	}
}

func (u *Uptime) Since(name string) (time.Time, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	t, ok := u.since[name]
	return t, ok
}

func (u *Uptime) All() map[string]time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return maps.Clone(u.since)
}
