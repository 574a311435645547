package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/manager"
	"github.com/loykin/stackbox/internal/process"
	"github.com/loykin/stackbox/internal/server"
)

const tick = 10 * time.Millisecond

type fakeHost struct {
	mu      sync.Mutex
	running map[string]bool
	stuck   map[string]bool
}

func (h *fakeHost) Launch(_ context.Context, l process.Launch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stuck[l.Name] {
		return nil
	}
	h.running[l.Name] = strings.HasSuffix(l.Command, "-start")
	return nil
}

type fakeDetector struct {
	h    *fakeHost
	name string
}

func (p fakeDetector) Alive(context.Context) (bool, error) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.h.running[p.name], nil
}

func (p fakeDetector) Describe() string { return p.name }

func newDaemon(t *testing.T) (*Client, *fakeHost) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &fakeHost{running: map[string]bool{}, stuck: map[string]bool{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	specs := []process.Spec{
		{Name: "apache", Start: "apache-start", Stop: "apache-stop", Pattern: "httpd", MaxAttempts: 3, PollInterval: tick, Monitor: true, StopOnExit: true},
		{Name: "mysql", Start: "mysql-start", Stop: "mysql-stop", Pattern: "mysqld", MaxAttempts: 2, PollInterval: tick, Monitor: true, StopOnExit: true},
	}
	mgr, err := manager.New(specs, manager.Options{
		Launcher:    h,
		Logger:      log,
		DetectorFor: func(s process.Spec) detector.Detector { return fakeDetector{h: h, name: s.Name} },
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	mon := manager.NewMonitor(mgr, manager.MonitorConfig{InitialDelay: tick, Interval: 3 * tick})
	coord := manager.NewCoordinator(mgr, tick)
	r := server.NewRouter(mgr, server.Options{BasePath: "/api", Monitor: mon, Coordinator: coord, Logger: log})
	srv := httptest.NewServer(r.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	go mon.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 5 * time.Second, Logger: log}), h
}

func TestClientActions(t *testing.T) {
	c, _ := newDaemon(t)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatal("daemon should be reachable")
	}
	svcs, err := c.Services(ctx)
	if err != nil || len(svcs) != 2 || svcs[0].Name != "apache" {
		t.Fatalf("services=%+v err=%v", svcs, err)
	}
	out, err := c.Start(ctx, "apache")
	if err != nil || !out.Success || out.Action != "start" {
		t.Fatalf("start=%+v err=%v", out, err)
	}
	st, err := c.Status(ctx)
	if err != nil || !st.Services["apache"].Running || st.Services["mysql"].Running {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	if out, err = c.Restart(ctx, "apache"); err != nil || !out.Success {
		t.Fatalf("restart=%+v err=%v", out, err)
	}
	if out, err = c.Stop(ctx, "apache"); err != nil || !out.Success {
		t.Fatalf("stop=%+v err=%v", out, err)
	}
}

func TestClientErrors(t *testing.T) {
	c, h := newDaemon(t)
	ctx := context.Background()
	h.mu.Lock()
	h.stuck["mysql"] = true
	h.mu.Unlock()

	out, err := c.Start(ctx, "mysql")
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("expected 500 APIError, got %v", err)
	}
	if out.Success || out.Polls != 2 || !strings.Contains(out.Reason, "did not start") {
		t.Fatalf("failed outcome not carried: %+v", out)
	}
	if _, err := c.Stop(ctx, "nope"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
	if err := c.DeletePIDFile(ctx, "apache"); !IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected 400, got %v", err)
	}
	if aborted, err := c.Abort(ctx, "apache"); err != nil || aborted {
		t.Fatalf("abort idle: aborted=%v err=%v", aborted, err)
	}
	if _, err := c.Abort(ctx, "nope"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestClientWatchAndShutdown(t *testing.T) {
	c, _ := newDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := 0
	wctx, stop := context.WithCancel(ctx)
	err := c.Watch(wctx, func(st Status) {
		if st.Seq == 0 || len(st.Services) != 2 {
			t.Errorf("unexpected snapshot: %+v", st)
		}
		seen++
		if seen == 2 {
			stop()
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if seen < 2 {
		t.Fatalf("expected 2 snapshots, got %d", seen)
	}

	state, err := c.Shutdown(ctx)
	if err != nil || state == "" {
		t.Fatalf("shutdown state=%q err=%v", state, err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		_, err := c.Start(ctx, "apache")
		if IsStatus(err, http.StatusServiceUnavailable) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 503 after shutdown, got %v", err)
		}
		time.Sleep(tick)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Fatal("port 1 should be unreachable")
	}
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
