package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loykin/stackbox/internal/env"
	"github.com/loykin/stackbox/internal/logger"
)

// Launch is a single fire-and-forget action: either an external command or
// an inline closure. Launching never waits for the action to take effect.
type Launch struct {
	Name    string // owning service, for logs
	Command string
	Args    []string
	// Action is an inline action; it takes precedence over Command.
	Action      func(ctx context.Context) error
	Description string // human form of Action
	WorkDir     string
	Env         []string
	Log         logger.FileConfig
}

func (l Launch) String() string {
	if l.Action != nil {
		if l.Description != "" {
			return l.Description
		}
		return "inline action"
	}
	if len(l.Args) > 0 {
		return l.Command + " " + strings.Join(l.Args, " ")
	}
	return l.Command
}

// Launcher fires launches. An error means the action could not be started
// at all; whether it had any effect is for the caller to verify.
type Launcher interface {
	Launch(ctx context.Context, l Launch) error
}

// ExecLauncher spawns commands detached from the controller. The child is
// reaped in the background so it never lingers as a zombie that a
// process-table check would still count as alive.
type ExecLauncher struct {
	Env    *env.Env
	Logger *slog.Logger
}

func (e ExecLauncher) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e ExecLauncher) Launch(ctx context.Context, l Launch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.Action != nil {
		if err := l.Action(ctx); err != nil {
			return fmt.Errorf("%s: %w", l.Name, err)
		}
		return nil
	}
	if strings.TrimSpace(l.Command) == "" {
		return fmt.Errorf("%s: empty command", l.Name)
	}
	cmd := buildCommand(l.Command, l.Args)
	if l.WorkDir != "" {
		cmd.Dir = l.WorkDir
	}
	if e.Env != nil {
		cmd.Env = e.Env.WithSet("STACKBOX_SERVICE", l.Name).Merge(l.Env)
	} else if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	configureSysProcAttr(cmd)

	var closers []io.Closer
	if l.Log.Enabled() {
		outW, errW, err := l.Log.Writers(l.Name)
		if err != nil {
			return fmt.Errorf("%s: open log writers: %w", l.Name, err)
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return fmt.Errorf("%s: %w", l.Name, err)
	}
	log := e.logger()
	log.Debug("launched", "service", l.Name, "command", l.String(), "pid", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		closeAll()
		if err != nil {
			log.Debug("launched command exited", "service", l.Name, "command", l.String(), "error", err)
		}
	}()
	return nil
}
