package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/history"
	"github.com/loykin/stackbox/internal/process"
)

const tick = 15 * time.Millisecond

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scripted answers dets from a fixed sequence, repeating the last value.
type scripted struct {
	mu    sync.Mutex
	seq   []bool
	calls atomic.Int32
	delay time.Duration
}

func script(seq ...bool) *scripted { return &scripted{seq: seq} }

func (s *scripted) Alive(ctx context.Context) (bool, error) {
	n := int(s.calls.Add(1)) - 1
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seq) == 0 {
		return false, nil
	}
	if n >= len(s.seq) {
		n = len(s.seq) - 1
	}
	return s.seq[n], nil
}

func (s *scripted) Describe() string { return "scripted" }

func (s *scripted) Calls() int { return int(s.calls.Load()) }

// set replaces the remaining answers.
func (s *scripted) set(v bool) {
	s.mu.Lock()
	s.seq = []bool{v}
	s.calls.Store(0)
	s.mu.Unlock()
}

// recorder records launches without running anything.
type recorder struct {
	mu       sync.Mutex
	launches []string
	err      error
	onLaunch func(process.Launch)
}

func (r *recorder) Launch(ctx context.Context, l process.Launch) error {
	r.mu.Lock()
	r.launches = append(r.launches, l.String())
	hook := r.onLaunch
	r.mu.Unlock()
	if hook != nil {
		hook(l)
	}
	return r.err
}

func (r *recorder) Launches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.launches...)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Events() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

var errSpawn = errors.New("exec: no such file")

func svcSpec(name string, attempts int) process.Spec {
	return process.Spec{
		Name:         name,
		Start:        name + "-start",
		Stop:         name + "-stop",
		Pattern:      name,
		MaxAttempts:  attempts,
		PollInterval: tick,
		Monitor:      true,
		StopOnExit:   true,
	}
}

// fixture wires a Manager to scripted detectors keyed by service name.
type fixture struct {
	m    *Manager
	rec  *recorder
	det  map[string]*scripted
	sink *memSink
}

func newFixture(specs []process.Spec, dets map[string]*scripted) (*fixture, error) {
	f := &fixture{rec: &recorder{}, det: dets, sink: &memSink{}}
	m, err := New(specs, Options{
		Launcher: f.rec,
		Logger:   quietLogger(),
		History:  []history.Sink{f.sink},
		DetectorFor: func(s process.Spec) detector.Detector {
			return dets[s.Name]
		},
	})
	f.m = m
	return f, err
}
