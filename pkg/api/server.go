package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Scheduler is the control surface the API exposes. *manager.Manager
// satisfies it.
type Scheduler interface {
	IsLeader() bool

	StartJob(ctx context.Context, req types.JobResourceRequest) (*types.JobRecord, error)
	ScaleJob(ctx context.Context, jobID string, parallelism int) (*types.JobRecord, error)
	CompleteJob(ctx context.Context, jobID string) (*types.JobRecord, error)
	CancelJob(ctx context.Context, jobID string) (*types.JobRecord, error)
	GetJob(jobID string) (*types.JobRecord, error)
	Jobs() ([]*types.JobRecord, error)

	ReportLiveness(ctx context.Context, r types.LivenessResult) error
	AssignTask(task types.Task) (*types.SlotAssignment, bool, error)
	ReleaseTask(assignmentID string) error
	Assignments(jobID string) []*types.SlotAssignment

	Groups() []types.GroupStatus
	Group(jobID string) (types.GroupStatus, bool)
	Stats() types.SlotStats
}

// ScaleRequest is the body of PUT /v1/jobs/{id}/scale
type ScaleRequest struct {
	Parallelism int `json:"parallelism"`
}

// AssignResponse is returned by POST /v1/tasks. Assignment is nil when the
// task was queued.
type AssignResponse struct {
	Queued     bool                  `json:"queued"`
	Assignment *types.SlotAssignment `json:"assignment,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the scheduler's HTTP API together with the health, readiness
// and Prometheus endpoints
type Server struct {
	sched  Scheduler
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router over sched
func NewServer(sched Scheduler) *Server {
	s := &Server{
		sched:  sched,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/{id}", s.getJob)
			r.Group(func(r chi.Router) {
				r.Use(s.leaderOnly)
				r.Post("/", s.startJob)
				r.Put("/{id}/scale", s.scaleJob)
				r.Post("/{id}/complete", s.completeJob)
				r.Delete("/{id}", s.cancelJob)
			})
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listAssignments)
			r.Group(func(r chi.Router) {
				r.Use(s.leaderOnly)
				r.Post("/", s.assignTask)
				r.Delete("/{id}", s.releaseTask)
			})
		})
		r.With(s.leaderOnly).Post("/liveness", s.reportLiveness)
		r.Get("/groups", s.listGroups)
		r.Get("/groups/{id}", s.getGroup)
		r.Get("/stats", s.stats)
	})
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metrics.UpdateComponent(metrics.ComponentAPI, true, "listening on "+lis.Addr().String())
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")

	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	return s.http.Shutdown(ctx)
}

// instrument records request counts and latency per route pattern
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// leaderOnly rejects mutations while this replica is not running the
// control loops
func (s *Server) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sched.IsLeader() {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "not the leader"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.Jobs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*types.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req types.JobResourceRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.sched.StartJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) scaleJob(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.sched.ScaleJob(r.Context(), chi.URLParam(r, "id"), req.Parallelism)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.CompleteJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) reportLiveness(w http.ResponseWriter, r *http.Request) {
	var res types.LivenessResult
	if !decode(w, r, &res) {
		return
	}
	if err := s.sched.ReportLiveness(r.Context(), res); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if !decode(w, r, &task) {
		return
	}
	as, placed, err := s.sched.AssignTask(task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !placed {
		writeJSON(w, http.StatusAccepted, AssignResponse{Queued: true})
		return
	}
	writeJSON(w, http.StatusCreated, AssignResponse{Assignment: as})
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.ReleaseTask(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		s.writeError(w, errdefs.NewValidation("job", "query parameter is required"))
		return
	}
	out := s.sched.Assignments(jobID)
	if out == nil {
		out = []*types.SlotAssignment{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	out := s.sched.Groups()
	if out == nil {
		out = []types.GroupStatus{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, ok := s.sched.Group(id)
	if !ok {
		s.writeError(w, fmt.Errorf("group %s: %w", id, errdefs.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

// StatusFor maps a scheduler error onto an HTTP status code
func StatusFor(err error) int {
	switch {
	case errdefs.IsValidation(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsDoubleRelease(err):
		return http.StatusConflict
	case errdefs.IsPermanent(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
