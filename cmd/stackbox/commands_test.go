package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// stubDaemon answers the control API with canned bodies.
func stubDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/services/apache/start", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"outcome":{"service":"apache","action":"start","success":true,"polls":3,"elapsed_ms":2000}}`))
	})
	mux.HandleFunc("POST /api/services/mysql/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"mysql did not stop after 15 attempts","outcome":{"service":"mysql","action":"stop","success":false,"polls":15,"elapsed_ms":15000}}`))
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"seq":4,"at":"2024-01-01T00:00:00Z","services":{"mysql":{"running":false},"apache":{"running":true,"since":"2024-01-01T00:00:00Z"}}}`))
	})
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"apache","pattern":"httpd","max_attempts":10,"poll_interval":"1s","monitor":true,"stop_on_exit":true,"can_start":true}]`))
	})
	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true,"state":"draining"}`))
	})
	mux.HandleFunc("POST /api/services/mysql/abort", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"aborted":true}`))
	})
	mux.HandleFunc("DELETE /api/services/apache/pidfile", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"service is running: apache"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCommand(srv *httptest.Server, json bool) (*command, *bytes.Buffer) {
	var out bytes.Buffer
	return &command{out: &out, flags: &GlobalFlags{APIUrl: srv.URL + "/api", APITimeout: time.Second, JSON: json}}, &out
}

func TestActionPrintsOutcome(t *testing.T) {
	srv := stubDaemon(t)
	c, out := newCommand(srv, false)
	if err := c.Action(context.Background(), "start", ActionFlags{Name: "apache"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "apache: start ok after 3 polls in 2s") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestActionFailure(t *testing.T) {
	srv := stubDaemon(t)
	c, out := newCommand(srv, true)
	err := c.Action(context.Background(), "stop", ActionFlags{Name: "mysql"})
	if err == nil || !strings.Contains(err.Error(), "did not stop after 15 attempts") {
		t.Fatalf("expected failure, got %v", err)
	}
	if !strings.Contains(out.String(), `"polls": 15`) {
		t.Fatalf("failed outcome not printed as JSON: %q", out.String())
	}
	if err := c.Action(context.Background(), "reload", ActionFlags{Name: "mysql"}); err == nil {
		t.Fatal("unknown action accepted")
	}
}

func TestStatusText(t *testing.T) {
	srv := stubDaemon(t)
	c, out := newCommand(srv, false)
	if err := c.Status(context.Background(), StatusFlags{}); err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "apache") || !strings.Contains(lines[0], "running since") || !strings.Contains(lines[1], "stopped") {
		t.Fatalf("unexpected status output %q", out.String())
	}
}

func TestServicesShutdownPIDFile(t *testing.T) {
	srv := stubDaemon(t)
	c, out := newCommand(srv, false)
	ctx := context.Background()
	if err := c.Services(ctx); err != nil || !strings.Contains(out.String(), `check="httpd"`) {
		t.Fatalf("services: %v %q", err, out.String())
	}
	out.Reset()
	if err := c.Shutdown(ctx); err != nil || !strings.Contains(out.String(), "draining") {
		t.Fatalf("shutdown: %v %q", err, out.String())
	}
	if err := c.DeletePIDFile(ctx, ActionFlags{Name: "apache"}); err == nil || !strings.Contains(err.Error(), "running") {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	srv := stubDaemon(t)
	c, out := newCommand(srv, false)
	if err := c.Abort(context.Background(), ActionFlags{Name: "mysql"}); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := out.String(); got != "mysql: operation aborted\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
