// Package admin is the operator HTTP surface: health, scheduler status,
// manual trigger and reset, monitor jobs and recent alerts.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cadence/internal/fault"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/task"
	"cadence/internal/task/registry"
	logx "cadence/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

type Config struct {
	Addr  string
	Token string

	// Profiling mounts net/http/pprof under /debug/pprof.
	Profiling bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Scheduler is the part of the scheduler service the admin surface drives.
type Scheduler interface {
	Snapshot(ctx context.Context) scheduler.Snapshot
	Trigger(ctx context.Context, taskType, id string) (scheduler.Outcome, error)
	Reset(ctx context.Context, taskType, id string) (*task.Task, error)
	ScheduleMonitor(ctx context.Context, tenant, spec string) error
	RemoveMonitor(ctx context.Context, tenant string) error
}

// Store is the read side used for listings.
type Store interface {
	ListTasks(ctx context.Context, f store.Filter) ([]*task.Task, error)
	ExecutionLogs(ctx context.Context, taskType, id string, limit int) ([]store.ExecutionLog, error)
	Alerts(ctx context.Context, limit int) ([]fault.Alert, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg   Config
	sched Scheduler
	store Store
	log   logx.Logger
}

func New(cfg Config, sched Scheduler, st Store, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Manual triggers wait for the execution.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, sched: sched, store: st, log: log.With(logx.String("comp", "admin"))}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/status", s.status)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{type}/{id}/logs", s.taskLogs)
		r.Post("/tasks/{type}/{id}/trigger", s.trigger)
		r.Post("/tasks/{type}/{id}/reset", s.reset)
		r.Put("/monitors/{tenant}", s.putMonitor)
		r.Delete("/monitors/{tenant}", s.deleteMonitor)
		r.Get("/alerts", s.alerts)
		if s.cfg.Profiling {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Run serves until ctx is canceled. It refuses a non-loopback address
// without a token.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start: non-loopback addr requires token", logx.String("addr", addr))
		return errors.New("admin: insecure bind")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("admin listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": fault.KindDatabase.Message()})
		return
	}
	snap := s.sched.Snapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": snap.State, "leader": snap.Leader})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot(r.Context()))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Type:   q.Get("type"),
		Tenant: q.Get("tenant"),
		Status: task.Status(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 100),
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ExecutionLogs(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), queryInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type outcomeResponse struct {
	scheduler.Outcome
	Error string `json:"error,omitempty"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	typ, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	out, err := s.sched.Trigger(r.Context(), typ, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := outcomeResponse{Outcome: out}
	if out.Err != nil {
		resp.Error = fault.Classify(out.Err).Kind.Message()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Reset(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type monitorRequest struct {
	Spec string `json:"spec"`
}

func (s *Server) putMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	tenant := chi.URLParam(r, "tenant")
	if err := s.sched.ScheduleMonitor(r.Context(), tenant, req.Spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "spec": req.Spec})
}

func (s *Server) deleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RemoveMonitor(r.Context(), chi.URLParam(r, "tenant")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) alerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.Alerts(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		lvl := logx.LevelDebug
		if ww.Status() >= 500 {
			lvl = logx.LevelWarn
		}
		s.log.Log(lvl, "admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrUnknownType):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskBusy), errors.Is(err, scheduler.ErrAtCapacity):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrInvalidSpec):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status from statusFor. Client errors echo the
// error text; server errors carry only the canned message of their fault
// kind, and the raw error goes to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code < http.StatusInternalServerError {
		writeJSON(w, code, map[string]any{"error": err.Error()})
		return
	}
	fe := fault.Classify(err)
	s.log.Warn("admin request failed",
		logx.String("path", r.URL.Path),
		logx.String("kind", string(fe.Kind)),
		logx.Err(err),
	)
	writeJSON(w, code, map[string]any{"error": fe.Kind.Message(), "kind": fe.Kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
