package process

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/stackbox/internal/detector"
	"github.com/loykin/stackbox/internal/logger"
)

// Defaults applied when a service leaves its polling policy unset.
const (
	DefaultMaxAttempts      = 15
	DefaultPollInterval     = time.Second
	DefaultStopSignal       = "TERM"
	DefaultEscalationSignal = "KILL"
)

// Escalation describes the hard-kill step a stop falls back to once the
// graceful stop has exhausted its own budget. Attempts == 0 disables it.
type Escalation struct {
	Attempts int    `json:"attempts" mapstructure:"attempts"`
	Signal   string `json:"signal" mapstructure:"signal"`
}

// Spec describes one externally controlled service. It is static
// configuration: built once at startup and never mutated afterwards.
type Spec struct {
	Name         string            `json:"name"`
	Start        string            `json:"start"`                 // start command; shell-aware when StartArgs is empty
	StartArgs    []string          `json:"start_args,omitempty"`  // explicit argv after Start
	Stop         string            `json:"stop,omitempty"`        // stop command; empty derives a kill-by-pattern action
	StopArgs     []string          `json:"stop_args,omitempty"`   // explicit argv after Stop
	StopSignal   string            `json:"stop_signal,omitempty"` // signal used by the derived stop action
	Pattern      string            `json:"pattern"`               // liveness pattern (pgrep semantics)
	MatchFull    bool              `json:"match_full"`            // match the full command line (pgrep -f)
	Check        string            `json:"check,omitempty"`       // optional existence-check command overriding Pattern
	MaxAttempts  int               `json:"max_attempts"`
	PollInterval time.Duration     `json:"poll_interval"`
	Escalation   Escalation        `json:"escalation"`
	PIDFile      string            `json:"pid_file,omitempty"`
	WorkDir      string            `json:"work_dir,omitempty"`
	Env          []string          `json:"env,omitempty"`
	Monitor      bool              `json:"monitor"`      // included in status snapshots
	StopOnExit   bool              `json:"stop_on_exit"` // stopped by the shutdown coordinator
	Log          logger.FileConfig `json:"-"`
}

// ApplyDefaults fills zero-valued policy fields.
func (s *Spec) ApplyDefaults() {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.StopSignal == "" {
		s.StopSignal = DefaultStopSignal
	}
	if s.Escalation.Signal == "" {
		s.Escalation.Signal = DefaultEscalationSignal
	}
}

// Validate checks that the service has a liveness check and a way to stop.
func (s Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("service %q: name contains invalid characters", name)
	}
	if s.Pattern == "" && s.Check == "" {
		return fmt.Errorf("service %q: pattern or check is required", name)
	}
	if s.Stop == "" && s.Pattern == "" {
		return fmt.Errorf("service %q: stop command or pattern is required", name)
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("service %q: invalid pattern: %w", name, err)
		}
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("service %q: max_attempts must be positive", name)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("service %q: poll_interval must be positive", name)
	}
	if s.Escalation.Attempts < 0 {
		return fmt.Errorf("service %q: escalation attempts cannot be negative", name)
	}
	if s.Escalation.Attempts > 0 && s.Pattern == "" {
		return fmt.Errorf("service %q: escalation requires a pattern", name)
	}
	if s.Stop == "" {
		if _, err := ParseSignal(s.StopSignal); err != nil {
			return fmt.Errorf("service %q: stop_signal: %w", name, err)
		}
	}
	if s.Escalation.Attempts > 0 {
		if _, err := ParseSignal(s.Escalation.Signal); err != nil {
			return fmt.Errorf("service %q: escalation signal: %w", name, err)
		}
	}
	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("service %q: env[%d] %q must be KEY=VALUE", name, i, kv)
		}
	}
	return nil
}

// Detector returns the liveness detector for the service.
func (s Spec) Detector() detector.Detector {
	if s.Check != "" {
		return detector.CommandDetector{Command: s.Check}
	}
	return detector.PatternDetector{Pattern: s.Pattern, Full: s.MatchFull}
}

// CanStart reports whether the service defines a start command.
func (s Spec) CanStart() bool { return strings.TrimSpace(s.Start) != "" }

// Ceiling is the worst-case wait of a stop, escalation included.
func (s Spec) Ceiling() time.Duration {
	return time.Duration(s.MaxAttempts+s.Escalation.Attempts) * s.PollInterval
}

// StartLaunch returns the launch that starts the service.
func (s Spec) StartLaunch() Launch {
	return Launch{Name: s.Name, Command: s.Start, Args: s.StartArgs, WorkDir: s.WorkDir, Env: s.Env, Log: s.Log}
}

// StopLaunch returns the launch that stops the service: the configured stop
// command, or an inline action that signals every process matching Pattern.
func (s Spec) StopLaunch() Launch {
	if s.Stop != "" {
		return Launch{Name: s.Name, Command: s.Stop, Args: s.StopArgs, WorkDir: s.WorkDir, Env: s.Env, Log: s.Log}
	}
	return s.killLaunch(s.StopSignal)
}

// KillLaunch returns the escalation launch.
func (s Spec) KillLaunch() Launch { return s.killLaunch(s.Escalation.Signal) }

func (s Spec) killLaunch(signal string) Launch {
	pattern, full := s.Pattern, s.MatchFull
	return Launch{
		Name:        s.Name,
		Description: "kill -" + strings.TrimPrefix(strings.ToUpper(signal), "SIG") + " " + pattern,
		Action: func(ctx context.Context) error {
			sig, err := ParseSignal(signal)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, killEnumerateTimeout)
			defer cancel()
			_, err = KillByPattern(ctx, pattern, full, sig)
			return err
		},
	}
}

// buildCommand constructs an *exec.Cmd. With explicit args the command is
// executed directly. Otherwise it avoids invoking a shell when not necessary,
// and it respects an explicit shell invocation already present in the
// command string (e.g., "sh -c 'echo hi'"), avoiding double-wrapping.
func buildCommand(command string, args []string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if len(args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, args...)
	}
	if cmdStr == "" {
		return getTrueCommand()
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns the script after "-c ". One pair of
// surrounding quotes is stripped so the shell parses the script itself.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
