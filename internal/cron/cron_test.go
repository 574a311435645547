package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/stackbox/internal/manager"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	hold  time.Duration
	busy  bool
	n     atomic.Int32
}

func (f *fakeController) do(ctx context.Context, action manager.Action, name string) (manager.Outcome, error) {
	f.n.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, string(action)+":"+name)
	f.mu.Unlock()
	if f.busy {
		return manager.Outcome{}, manager.ErrBusy
	}
	select {
	case <-time.After(f.hold):
	case <-ctx.Done():
	}
	return manager.Outcome{Service: name, Action: action, Success: true}, nil
}

func (f *fakeController) Start(ctx context.Context, name string) (manager.Outcome, error) {
	return f.do(ctx, manager.ActionStart, name)
}
func (f *fakeController) Stop(ctx context.Context, name string) (manager.Outcome, error) {
	return f.do(ctx, manager.ActionStop, name)
}
func (f *fakeController) Restart(ctx context.Context, name string) (manager.Outcome, error) {
	return f.do(ctx, manager.ActionRestart, name)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestParseEvery(t *testing.T) {
	if d, err := parseEvery("@every 100ms"); err != nil || d != 100*time.Millisecond {
		t.Fatalf("parse every: %v %v", d, err)
	}
	for _, bad := range []string{"* * * * *", "every 1s", "@every -1s", "@every soon"} {
		if _, err := parseEvery(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(&fakeController{}, nil)
	bad := []*Job{
		{Service: "apache", Action: manager.ActionRestart, Schedule: "@every 1s"},
		{Name: "a", Action: manager.ActionRestart, Schedule: "@every 1s"},
		{Name: "b", Service: "apache", Action: "reload", Schedule: "@every 1s"},
		{Name: "c", Service: "apache", Action: manager.ActionStart},
		{Name: "d", Service: "apache", Action: manager.ActionStart, Schedule: "0 3 * * *"},
	}
	for _, j := range bad {
		if err := s.Add(j); err == nil {
			t.Fatalf("expected error for %+v", j)
		}
	}
	ok := &Job{Name: "nightly", Service: "apache", Action: manager.ActionRestart, Schedule: "@every 24h"}
	if err := s.Add(ok); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Job{Name: "nightly", Service: "mysql", Action: manager.ActionStop, Schedule: "@every 1h"}); err == nil {
		t.Fatal("duplicate job name accepted")
	}
	if len(s.Jobs()) != 1 {
		t.Fatalf("jobs=%d", len(s.Jobs()))
	}
}

func TestSchedulerRunsAndNonOverlap(t *testing.T) {
	ctl := &fakeController{hold: 250 * time.Millisecond}
	s := NewScheduler(ctl, nil)
	job := &Job{Name: "j1", Service: "apache", Action: manager.ActionRestart, Schedule: "@every 50ms"}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	time.Sleep(400 * time.Millisecond)
	s.Stop()
	s.Stop()

	calls := ctl.Calls()
	if len(calls) == 0 || calls[0] != "restart:apache" {
		t.Fatalf("unexpected calls %v", calls)
	}
	// each run holds 250ms against a 50ms period
	if len(calls) > 2 {
		t.Fatalf("overlapping runs: %v", calls)
	}
	if job.Skipped() == 0 {
		t.Fatal("expected skipped ticks")
	}
	if job.Runs() != int64(len(calls)) {
		t.Fatalf("runs=%d calls=%d", job.Runs(), len(calls))
	}
}

func TestSchedulerBusyIsNotRetried(t *testing.T) {
	ctl := &fakeController{busy: true}
	s := NewScheduler(ctl, nil)
	if err := s.Add(&Job{Name: "stop-ttyd", Service: "ttyd", Action: manager.ActionStop, Schedule: "@every 40ms"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	n := ctl.n.Load()
	// one call per tick at most: busy results are not retried within a tick
	if n == 0 || n > 3 {
		t.Fatalf("calls=%d", n)
	}
}
