package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/loykin/stackbox/internal/manager"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "stackbox.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_BuiltinDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	specs, err := c.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 services, got %d", len(specs))
	}
	apache, mysql, ttyd := specs[0], specs[1], specs[2]
	if apache.Name != "apache" || apache.MaxAttempts != 10 || apache.StopSignal != "KILL" || apache.PIDFile == "" {
		t.Fatalf("unexpected apache spec: %+v", apache)
	}
	if mysql.Stop != "pkill -f mysqld" || mysql.MaxAttempts != 15 || mysql.PollInterval != time.Second {
		t.Fatalf("unexpected mysql spec: %+v", mysql)
	}
	if ttyd.CanStart() || ttyd.Monitor || !ttyd.StopOnExit || !ttyd.MatchFull || ttyd.MaxAttempts != 5 {
		t.Fatalf("unexpected ttyd spec: %+v", ttyd)
	}
	if c.Server.Listen != "127.0.0.1:8089" || c.Server.BasePath != "/api" {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
	if c.Shutdown.Grace != manager.DefaultGrace {
		t.Fatalf("grace=%v", c.Shutdown.Grace)
	}
	mo := c.MonitorOptions()
	if mo.Interval != time.Minute || mo.InitialDelay != time.Second {
		t.Fatalf("unexpected monitor defaults: %+v", mo)
	}
	if !c.UseOSEnv || !c.Metrics.Enabled || c.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoad_FullFile(t *testing.T) {
	file := writeTOML(t, `
env = ["GREETING=hello"]

[server]
listen = "127.0.0.1:9999"

[monitor]
interval = "5s"
initial_delay = "100ms"
usage = true

[shutdown]
grace = "500ms"

[log]
level = "debug"
format = "json"
  [log.services]
  dir = "/var/log/stackbox"
  max_size_mb = 5

[history]
enabled = true
dsn = ["sqlite:///tmp/h.db"]

[[services]]
name = "web"
start = "httpd -k start"
pattern = "httpd"
max_attempts = 4
poll_interval = "250ms"
stop_on_exit = false
pid_file = "/tmp/web.pid"
  [services.escalation]
  attempts = 3
  signal = "KILL"
  [services.log]
  stdout = "/tmp/web.out"

[[services]]
name = "db"
start = "mysqld_safe"
stop = "pkill -f mysqld"
check = "pgrep mysqld"
monitor = false

[[schedules]]
name = "nightly"
service = "web"
action = "restart"
schedule = "@every 24h"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	specs, err := c.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 services, got %d", len(specs))
	}
	web, db := specs[0], specs[1]
	if web.MaxAttempts != 4 || web.PollInterval != 250*time.Millisecond || web.StopOnExit || !web.Monitor {
		t.Fatalf("unexpected web spec: %+v", web)
	}
	if web.Escalation.Attempts != 3 || web.Escalation.Signal != "KILL" {
		t.Fatalf("unexpected escalation: %+v", web.Escalation)
	}
	if web.Log.Dir != "/var/log/stackbox" || web.Log.StdoutPath != "/tmp/web.out" || web.Log.MaxSizeMB != 5 {
		t.Fatalf("log overlay not applied: %+v", web.Log)
	}
	if db.Monitor || db.Check != "pgrep mysqld" || db.MaxAttempts != 15 {
		t.Fatalf("unexpected db spec: %+v", db)
	}
	if got := c.Logger(); got.Slog.Level != "debug" || got.Slog.Format != "json" {
		t.Fatalf("unexpected logger config: %+v", got)
	}
	if c.Shutdown.Grace != 500*time.Millisecond || c.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("unexpected sections: %+v %+v", c.Shutdown, c.Server)
	}
	if mo := c.MonitorOptions(); mo.Interval != 5*time.Second || !mo.Usage {
		t.Fatalf("unexpected monitor: %+v", mo)
	}
	jobs, err := c.Jobs()
	if err != nil || len(jobs) != 1 || jobs[0].Action != manager.ActionRestart {
		t.Fatalf("jobs=%v err=%v", jobs, err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STACKBOX_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("STACKBOX_LOG_LEVEL", "warn")
	t.Setenv("STACKBOX_SHUTDOWN_GRACE", "3s")
	file := writeTOML(t, `
[server]
listen = "127.0.0.1:9999"

[[services]]
name = "web"
start = "httpd"
pattern = "httpd"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:7000" || c.Log.Level != "warn" || c.Shutdown.Grace != 3*time.Second {
		t.Fatalf("env overrides not applied: %+v %+v %+v", c.Server, c.Log, c.Shutdown)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"missing pattern": `
[[services]]
name = "web"
start = "httpd"
`,
		"duplicate": `
[[services]]
name = "web"
pattern = "httpd"
[[services]]
name = "web"
pattern = "nginx"
`,
		"bad signal": `
[[services]]
name = "web"
pattern = "httpd"
stop_signal = "NOPE"
`,
		"unknown schedule service": `
[[services]]
name = "web"
pattern = "httpd"
[[schedules]]
name = "n"
service = "db"
action = "restart"
schedule = "@every 1h"
`,
		"bad schedule": `
[[services]]
name = "web"
pattern = "httpd"
[[schedules]]
name = "n"
service = "web"
action = "restart"
schedule = "0 3 * * *"
`,
		"history without dsn": `
[history]
enabled = true
[[services]]
name = "web"
pattern = "httpd"
`,
		"malformed toml": `[[services]`,
		"invalid pattern": `
[[services]]
name = "web"
pattern = "httpd("
`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data))
			if err == nil {
				t.Fatalf("expected error")
			}
			if name == "invalid pattern" && !strings.Contains(err.Error(), "invalid pattern") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	if err := os.WriteFile(envFile, []byte("# comment\nexport A=file\nB=\"quoted\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := &Config{EnvFiles: []string{envFile}, Env: []string{"A=top", "C=${B}-x"}}
	e, err := c.Environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	got := e.Merge(nil)
	for _, want := range []string{"A=top", "B=quoted", "C=quoted-x"} {
		if !slices.Contains(got, want) {
			t.Fatalf("missing %s in %v", want, got)
		}
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "PATH=") {
			t.Fatalf("isolated environment leaked %s", kv)
		}
	}

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.Environment(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
