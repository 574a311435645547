package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/stackbox/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree writing results to out.
func buildRoot(out io.Writer) *cobra.Command {
	global := &GlobalFlags{}
	cmd := &command{out: out, flags: global}

	root := &cobra.Command{
		Use:   "stackbox",
		Short: "Control a local service stack",
		Long: `Stackbox starts, stops and restarts a fixed set of local services,
verifying every action by polling for the service's processes, and stops
them all when the daemon exits.

Examples:
  stackbox serve                       # run the daemon with built-in services
  stackbox serve stackbox.toml         # run the daemon with a config file
  stackbox start --name=apache
  stackbox status --watch
  stackbox shutdown`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", client.DefaultBaseURL, "daemon API base URL")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout", client.DefaultConfig().Timeout, "per-request timeout; actions block until verified")
	root.PersistentFlags().BoolVar(&global.JSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		createServeCommand(),
		createActionCommand(cmd, "start", "Start a service and wait until it runs"),
		createActionCommand(cmd, "stop", "Stop a service and wait until it is gone"),
		createActionCommand(cmd, "restart", "Stop then start a service"),
		createAbortCommand(cmd),
		createStatusCommand(cmd),
		createServicesCommand(cmd),
		createShutdownCommand(cmd),
		createPIDFileCommand(cmd),
	)
	return root
}

func createServeCommand() *cobra.Command {
	f := &ServeFlags{}
	c := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the stackbox daemon",
		Long: `Run the daemon: load the configuration (built-in apache, mysql and ttyd
services when none is given), serve the control API, monitor service status,
and on SIGINT/SIGTERM or POST /shutdown stop every stop_on_exit service
before exiting.

Examples:
  stackbox serve
  stackbox serve stackbox.toml --daemonize   # pid/log files from [server]`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *f)
		},
	}
	c.Flags().StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	c.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	c.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return c
}

func createActionCommand(c *command, action, short string) *cobra.Command {
	f := &ActionFlags{}
	cc := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Action(cmd.Context(), action, *f)
		},
	}
	cc.Flags().StringVar(&f.Name, "name", "", "service name")
	_ = cc.MarkFlagRequired("name")
	return cc
}

func createAbortCommand(c *command) *cobra.Command {
	f := &ActionFlags{}
	cc := &cobra.Command{
		Use:   "abort",
		Short: "Cancel the operation in flight on a service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Abort(cmd.Context(), *f)
		},
	}
	cc.Flags().StringVar(&f.Name, "name", "", "service name")
	_ = cc.MarkFlagRequired("name")
	return cc
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cc := &cobra.Command{
		Use:   "status",
		Short: "Show whether each monitored service is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cc.Flags().BoolVar(&f.Watch, "watch", false, "follow the daemon's status stream")
	return cc
}

func createServicesCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List configured services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Services(cmd.Context())
		},
	}
}

func createShutdownCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop all services and the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Shutdown(cmd.Context())
		},
	}
}

func createPIDFileCommand(c *command) *cobra.Command {
	f := &ActionFlags{}
	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove a stopped service's stale PID file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.DeletePIDFile(cmd.Context(), *f)
		},
	}
	del.Flags().StringVar(&f.Name, "name", "", "service name")
	_ = del.MarkFlagRequired("name")
	parent := &cobra.Command{Use: "pidfile", Short: "PID file housekeeping"}
	parent.AddCommand(del)
	return parent
}
