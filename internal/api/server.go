package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hostflow/internal/domain"
	"hostflow/internal/eventbus"
	"hostflow/internal/jobs"
	"hostflow/internal/worker"
)

type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, args any, opts ...jobs.EnqueueOption) (string, error)
	Get(ctx context.Context, id string) (domain.Job, error)
}

type WorkerLister interface {
	Snapshot() []worker.Status
}

type ScheduleService interface {
	Create(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	Update(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	Get(ctx context.Context, id string) (domain.Schedule, error)
	List(ctx context.Context) ([]domain.Schedule, error)
	Delete(ctx context.Context, id string) error
}

// Deps are the components exposed over HTTP. Schedules may be nil, in which
// case the schedule routes are not mounted.
type Deps struct {
	Jobs      JobQueue
	Workers   WorkerLister
	Bus       eventbus.Bus
	Schedules ScheduleService
	Logger    zerolog.Logger
}

type Server struct {
	r         *chi.Mux
	deps      Deps
	validator *validator.Validate
}

func NewServer(deps Deps) http.Handler {
	if deps.Bus == nil {
		deps.Bus = eventbus.NoOp()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(deps.Logger), middleware.Recoverer)

	s := &Server{r: r, deps: deps, validator: validator.New()}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/workers", s.listWorkers)
		r.Post("/events/{name}", s.publishEvent)

		if deps.Schedules != nil {
			r.Post("/schedules", s.createSchedule)
			r.Get("/schedules", s.listSchedules)
			r.Get("/schedules/{id}", s.getSchedule)
			r.Put("/schedules/{id}", s.updateSchedule)
			r.Delete("/schedules/{id}", s.deleteSchedule)
		}
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitReq struct {
	Type         string          `json:"type" validate:"required"`
	Args         json.RawMessage `json:"args"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !s.decode(w, r, &req) {
		return
	}
	var opts []jobs.EnqueueOption
	if req.DelaySeconds > 0 {
		opts = append(opts, jobs.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	id, err := s.deps.Jobs.Enqueue(r.Context(), req.Type, req.Args, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         j.ID,
		"type":       j.Type,
		"args":       j.Args,
		"state":      j.State,
		"attempts":   j.Attempts,
		"last_error": j.LastError,
		"run_at":     j.RunAt.Format(time.RFC3339),
		"created_at": j.CreatedAt.Format(time.RFC3339),
	})
}

type workerResp struct {
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"`
	State  string `json:"state"`
	Period string `json:"period,omitempty"`
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Workers.Snapshot()
	out := make([]workerResp, 0, len(snapshot))
	for _, st := range snapshot {
		resp := workerResp{Name: st.Name, Kind: string(st.Kind), State: string(st.State)}
		if st.Period > 0 {
			resp.Period = st.Period.String()
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON payload: " + err.Error()})
		return
	}
	if err := s.deps.Bus.Publish(r.Context(), eventbus.Raw{Name: name, Payload: payload}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type scheduleReq struct {
	Name     string          `json:"name" validate:"required"`
	CronExpr string          `json:"cron_expr" validate:"required"`
	JobType  string          `json:"job_type" validate:"required"`
	Args     json.RawMessage `json:"args"`
	Enabled  bool            `json:"enabled"`
}

func (req scheduleReq) schedule() domain.Schedule {
	return domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		JobType:  req.JobType,
		Args:     req.Args,
		Enabled:  req.Enabled,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	schedule, err := s.deps.Schedules.Create(r.Context(), req.schedule())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Schedules.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.deps.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	schedule := req.schedule()
	schedule.ID = chi.URLParam(r, "id")
	updated, err := s.deps.Schedules.Update(r.Context(), schedule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := s.validator.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
		return false
	}
	return true
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrNoHandlerRegistered):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidConfiguration):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
