// package server exposes the daemon's operational surface over HTTP: a
// status snapshot, job submission and inspection, queue controls, manual
// task triggers, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soundleaf/soundleaf/internal/breaker"
	"github.com/soundleaf/soundleaf/internal/queue"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// JobEngine is the queue surface the server exposes over HTTP.
type JobEngine interface {
	Enqueue(jobType queue.Type, payload map[string]any, opts *queue.EnqueueOpts) string
	GetJob(id string) (queue.Job, bool)
	ListJobs(status queue.Status, jobType queue.Type) []queue.Job
	CancelJob(id string)
	Pause()
	Resume()
	IsPaused() bool
	SetMaxConcurrentJobs(n int) error
	Stats() queue.Stats
}

// TaskRunner is the scheduler surface the server exposes.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
	LastRuns() map[string]time.Time
}

// StatusSnapshot is the GET /status response body.
type StatusSnapshot struct {
	Queue    queue.Stats          `json:"queue"`
	Breakers map[string]string    `json:"breakers"`
	Tasks    map[string]time.Time `json:"tasks"`
}

// Server serves the daemon's HTTP API.
type Server struct {
	engine   JobEngine
	breakers *breaker.Registry
	tasks    TaskRunner
	logger   *log.Logger
	httpSrv  *http.Server
}

// New creates a server over the daemon's components.
func New(engine JobEngine, breakers *breaker.Registry, tasks TaskRunner, logger *log.Logger) *Server {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Server{
		engine:   engine,
		breakers: breakers,
		tasks:    tasks,
		logger:   shared.WithLogger(logger, "component", "server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /queue/pause", s.handlePause)
	mux.HandleFunc("POST /queue/resume", s.handleResume)
	mux.HandleFunc("PUT /queue/concurrency", s.handleConcurrency)

	mux.HandleFunc("POST /tasks/{name}/run", s.handleRunTask)

	return s.logRequests(mux)
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("status server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// logRequests logs every request with its duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := StatusSnapshot{
		Queue:    s.engine.Stats(),
		Breakers: s.breakers.States(),
		Tasks:    s.tasks.LastRuns(),
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	jobType := queue.Type(r.URL.Query().Get("type"))
	jobs := s.engine.ListJobs(status, jobType)
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViews(jobs)})
}

type enqueueRequest struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Priority   int            `json:"priority"`
	MaxRetries int            `json:"max_retries"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id := s.engine.Enqueue(queue.Type(req.Type), req.Payload, &queue.EnqueueOpts{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.GetJob(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	// unknown ids are a deliberate no-op
	s.engine.CancelJob(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SetMaxConcurrentJobs(req.Limit); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.tasks.RunNow(r.Context(), name); err != nil {
		if errors.Is(err, shared.ErrUnknownTask) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobView is the JSON shape of a job on the wire.
type JobView struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Retries     int            `json:"retries"`
	MaxRetries  int            `json:"max_retries"`
	Payload     map[string]any `json:"payload,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func jobView(j queue.Job) JobView {
	return JobView{
		ID:          j.ID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    j.Priority,
		Retries:     j.Retries,
		MaxRetries:  j.MaxRetries,
		Payload:     j.Payload,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func jobViews(jobs []queue.Job) []JobView {
	out := make([]JobView, len(jobs))
	for i, j := range jobs {
		out[i] = jobView(j)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
