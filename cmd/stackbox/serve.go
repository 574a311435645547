package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/stackbox"
	"github.com/loykin/stackbox/internal/server"
)

const httpShutdownTimeout = 5 * time.Second

// runServe runs the daemon until a signal, a POST /shutdown or ctx ends it.
// Every exit path drains: services marked stop_on_exit are stopped first.
func runServe(ctx context.Context, f ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := stackbox.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		logFile := f.LogFile
		if logFile == "" {
			logFile = cfg.Server.LogFile
		}
		pid, err := daemonize(cfg.Server.PIDFile, logFile)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started with PID %d\n", pid)
		return nil
	}

	log := cfg.Logger().NewSlogger()
	slog.SetDefault(log)

	ctrl, err := stackbox.New(cfg, stackbox.Options{Logger: log})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		_ = ctrl.Shutdown(ctx)
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	srv := server.NewServer(cfg.Server.Listen, ctrl.Handler())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info("serving control API", "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath, "services", len(ctrl.Services()))

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = ctrl.Run(runCtx) }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCtx.Done():
		log.Info("stop requested, draining")
	case <-ctrl.Drained():
		log.Info("drain requested over the API")
	case err := <-serveErr:
		log.Error("control API stopped", "error", err)
	}
	// a second signal terminates immediately
	stop()

	drainErr := ctrl.Shutdown(context.Background())
	cancelRun()

	hctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(hctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("http shutdown", "error", err)
	}
	removeOwnPidFile(cfg.Server.PIDFile)
	return drainErr
}

// removeOwnPidFile deletes the daemon pid file when it names this process.
func removeOwnPidFile(path string) {
	if path == "" {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid == os.Getpid() {
		_ = removePidFile(path)
	}
}
