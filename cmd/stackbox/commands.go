package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/loykin/stackbox/pkg/client"
)

// command implements the client subcommands against a running daemon.
type command struct {
	out   io.Writer
	flags *GlobalFlags
}

func (c *command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout})
}

func (c *command) Action(ctx context.Context, action string, f ActionFlags) error {
	api := c.client()
	var (
		out client.Outcome
		err error
	)
	switch action {
	case "start":
		out, err = api.Start(ctx, f.Name)
	case "stop":
		out, err = api.Stop(ctx, f.Name)
	case "restart":
		out, err = api.Restart(ctx, f.Name)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	switch {
	case c.flags.JSON:
		printJSON(c.out, out)
	case err == nil:
		printOutcome(c.out, out)
	}
	return err
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	api := c.client()
	if !f.Watch {
		st, err := api.Status(ctx)
		if err != nil {
			return err
		}
		c.printStatus(st)
		return nil
	}
	return api.Watch(ctx, c.printStatus)
}

func (c *command) Services(ctx context.Context) error {
	svcs, err := c.client().Services(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, svcs)
		return nil
	}
	for _, s := range svcs {
		liveness := s.Pattern
		if s.Check != "" {
			liveness = s.Check
		}
		_, _ = fmt.Fprintf(c.out, "%-12s check=%q attempts=%d interval=%s monitor=%t\n", s.Name, liveness, s.MaxAttempts, s.PollInterval, s.Monitor)
	}
	return nil
}

func (c *command) Shutdown(ctx context.Context) error {
	state, err := c.client().Shutdown(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "shutdown accepted (state: %s)\n", state)
	return nil
}

func (c *command) Abort(ctx context.Context, f ActionFlags) error {
	aborted, err := c.client().Abort(ctx, f.Name)
	if err != nil {
		return err
	}
	if aborted {
		_, _ = fmt.Fprintf(c.out, "%s: operation aborted\n", f.Name)
	} else {
		_, _ = fmt.Fprintf(c.out, "%s: nothing in flight\n", f.Name)
	}
	return nil
}

func (c *command) DeletePIDFile(ctx context.Context, f ActionFlags) error {
	if err := c.client().DeletePIDFile(ctx, f.Name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: pid file removed\n", f.Name)
	return nil
}

func printOutcome(w io.Writer, o client.Outcome) {
	extra := ""
	if o.Escalated {
		extra = " (escalated)"
	}
	elapsed := (time.Duration(o.ElapsedMS) * time.Millisecond).String()
	_, _ = fmt.Fprintf(w, "%s: %s ok after %d polls in %s%s\n", o.Service, o.Action, o.Polls, elapsed, extra)
}

func (c *command) printStatus(st client.Status) {
	if c.flags.JSON {
		printJSON(c.out, st)
		return
	}
	names := make([]string, 0, len(st.Services))
	for n := range st.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := st.Services[n]
		line := "stopped"
		if s.Running {
			line = "running"
			if s.Since != nil {
				line += " since " + s.Since.Local().Format(time.DateTime)
			}
		}
		_, _ = fmt.Fprintf(c.out, "%-12s %s\n", n, line)
	}
}
