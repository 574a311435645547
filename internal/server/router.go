package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	mng "github.com/loykin/stackbox/internal/manager"
	"github.com/loykin/stackbox/internal/metrics"
	"github.com/loykin/stackbox/internal/process"
)

// Options wires the optional parts of the API.
type Options struct {
	BasePath    string
	Monitor     *mng.Monitor        // status stream; nil checks on demand only
	Coordinator *mng.Coordinator    // POST /shutdown; nil disables it
	MetricsPath string              // empty disables /metrics
	Gatherer    prometheus.Gatherer // nil serves the default registry
	Logger      *slog.Logger
}

// Router provides embeddable HTTP handlers for controlling services.
// Endpoints, relative to basePath:
//
//	GET    /services
//	POST   /services/:name/{start,stop,restart}
//	POST   /services/:name/abort
//	DELETE /services/:name/pidfile
//	GET    /status
//	GET    /status/stream   (server-sent events)
//	POST   /shutdown
type Router struct {
	mgr   *mng.Manager
	mon   *mng.Monitor
	coord *mng.Coordinator
	opts  Options
	log   *slog.Logger
}

func NewRouter(mgr *mng.Manager, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{mgr: mgr, mon: opts.Monitor, coord: opts.Coordinator, opts: opts, log: log.With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.MetricsPath != "" {
		h := metrics.Handler()
		if r.opts.Gatherer != nil {
			h = metrics.HandlerFor(r.opts.Gatherer)
		}
		g.GET(r.opts.MetricsPath, gin.WrapH(h))
	}
	group := g.Group(r.opts.BasePath)
	group.GET("/services", r.handleServices)
	group.POST("/services/:name/start", r.action(mng.ActionStart))
	group.POST("/services/:name/stop", r.action(mng.ActionStop))
	group.POST("/services/:name/restart", r.action(mng.ActionRestart))
	group.POST("/services/:name/abort", r.handleAbort)
	group.DELETE("/services/:name/pidfile", r.handleDeletePIDFile)
	group.GET("/status", r.handleStatus)
	group.GET("/status/stream", r.handleStream)
	group.POST("/shutdown", r.handleShutdown)
	return g
}

// NewServer builds a standalone HTTP server on addr. Actions block for their
// whole verification budget and the status stream is long lived, so only
// header reads are time bounded.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

func (r *Router) handleServices(c *gin.Context) {
	specs := r.mgr.Services()
	out := make([]ServiceInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, serviceInfo(s))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) action(a mng.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid service name"})
			return
		}
		ctx := c.Request.Context()
		var (
			out mng.Outcome
			err error
		)
		switch a {
		case mng.ActionStart:
			out, err = r.mgr.Start(ctx, name)
		case mng.ActionStop:
			out, err = r.mgr.Stop(ctx, name)
		case mng.ActionRestart:
			out, err = r.mgr.Restart(ctx, name)
		}
		if err != nil {
			r.log.Debug("action rejected or failed", "service", name, "action", string(a), "error", err)
			info := outcomeInfo(out)
			writeJSON(c, statusFor(err), ErrorResponse{Error: err.Error(), Outcome: &info})
			return
		}
		writeJSON(c, http.StatusOK, ActionResponse{OK: true, Outcome: outcomeInfo(out)})
	}
}

// handleAbort cancels the operation in flight on a service. The blocked
// action request then fails with a canceled outcome.
func (r *Router) handleAbort(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid service name"})
		return
	}
	aborted, err := r.mgr.Abort(name)
	if err != nil {
		writeJSON(c, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, AbortResponse{OK: true, Aborted: aborted})
}

func (r *Router) handleDeletePIDFile(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: "invalid service name"})
		return
	}
	if err := r.mgr.DeletePIDFile(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, OKResponse{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	var snap mng.Snapshot
	if r.mon != nil {
		snap = r.mon.Refresh(c.Request.Context())
	} else {
		snap = r.mgr.Snapshot(c.Request.Context())
		snap.Since = r.mgr.Uptime().All()
	}
	writeJSON(c, http.StatusOK, statusResponse(snap))
}

// handleStream relays monitor snapshots as "status" events until the client
// goes away or the controller finishes draining.
func (r *Router) handleStream(c *gin.Context) {
	if r.mon == nil {
		writeJSON(c, http.StatusNotFound, ErrorResponse{Error: "status monitor disabled"})
		return
	}
	ch, unsubscribe := r.mon.Subscribe(8)
	defer unsubscribe()

	var drained <-chan struct{}
	if r.coord != nil {
		drained = r.coord.Drained()
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	if snap, ok := r.mon.Latest(); ok {
		c.SSEvent("status", statusResponse(snap))
		c.Writer.Flush()
	}
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-drained:
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("status", statusResponse(snap))
			return true
		}
	})
}

func (r *Router) handleShutdown(c *gin.Context) {
	if r.coord == nil {
		writeJSON(c, http.StatusServiceUnavailable, ErrorResponse{Error: "shutdown not available"})
		return
	}
	state := r.mgr.Lifecycle().State()
	if state == mng.StateRunning {
		go func() {
			if err := r.coord.Close(context.Background()); err != nil {
				r.log.Warn("shutdown finished with failures", "error", err)
			}
		}()
	}
	writeJSON(c, http.StatusAccepted, ShutdownResponse{OK: true, State: r.mgr.Lifecycle().State().String()})
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, mng.ErrDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, mng.ErrNoCommand), errors.Is(err, mng.ErrNoPIDFile), errors.Is(err, mng.ErrRunning):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func serviceInfo(s process.Spec) ServiceInfo {
	return ServiceInfo{
		Name:         s.Name,
		Pattern:      s.Pattern,
		MatchFull:    s.MatchFull,
		Check:        s.Check,
		MaxAttempts:  s.MaxAttempts,
		PollInterval: s.PollInterval.String(),
		Escalation:   s.Escalation.Attempts,
		Monitor:      s.Monitor,
		StopOnExit:   s.StopOnExit,
		CanStart:     s.CanStart(),
		PIDFile:      s.PIDFile,
	}
}

func outcomeInfo(o mng.Outcome) OutcomeInfo {
	return OutcomeInfo{
		Service:   o.Service,
		Action:    string(o.Action),
		Success:   o.Success,
		Reason:    o.Reason,
		Polls:     o.Polls,
		Escalated: o.Escalated,
		ElapsedMS: o.Elapsed.Milliseconds(),
	}
}

func statusResponse(s mng.Snapshot) StatusResponse {
	out := StatusResponse{Seq: s.Seq, At: s.At, Services: make(map[string]ServiceStatus, len(s.Services))}
	for name, running := range s.Services {
		st := ServiceStatus{Running: running}
		if since, ok := s.Since[name]; ok && running {
			st.Since = &since
		}
		out.Services[name] = st
	}
	return out
}
