package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"fno-automation-engine/internal/adapter"
	"fno-automation-engine/internal/config"
	"fno-automation-engine/internal/models"
	"fno-automation-engine/internal/monitor"
	"fno-automation-engine/internal/queue"
	"fno-automation-engine/internal/ratelimit"
	"fno-automation-engine/internal/registry"
	"fno-automation-engine/internal/store"
	"fno-automation-engine/internal/telemetry"
	"fno-automation-engine/internal/worker"
)

// Jobs is the dispatcher surface the HTTP layer needs.
type Jobs interface {
	Create(ctx context.Context, tenant string, req worker.CreateRequest) (models.Job, error)
	GetStatus(ctx context.Context, tenant, id string) (worker.Status, error)
	Cancel(ctx context.Context, tenant, id string) (models.Job, error)
	History(ctx context.Context, tenant, id string) ([]models.AuditLog, error)
}

// Signals is the monitor surface the HTTP layer needs.
type Signals interface {
	Ingest(tenant string, s monitor.Sample) monitor.Severity
	AtRisk(tenant string) []monitor.DeviceState
}

// Operators lists configured operators.
type Operators interface {
	Descriptors() []registry.Descriptor
}

// Limiter throttles requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the automation engine.
type Server struct {
	cfg       config.Config
	jobs      Jobs
	signals   Signals
	operators Operators
	dlq       queue.DeadLetter
	limiter   Limiter
	validate  *validator.Validate
	log       zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, jobs Jobs, signals Signals, operators Operators, dlq queue.DeadLetter, limiter Limiter, log zerolog.Logger) *Server {
	if cfg.TenantIDKey == "" {
		cfg.TenantIDKey = "X-Tenant-ID"
	}
	return &Server{
		cfg:       cfg,
		jobs:      jobs,
		signals:   signals,
		operators: operators,
		dlq:       dlq,
		limiter:   limiter,
		validate:  validator.New(),
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/operators", s.handleOperators)

	r.Group(func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Route("/automation", func(r chi.Router) {
			r.With(s.rateLimit("jobs")).Post("/jobs", s.handleCreateJob)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancel)
			r.Get("/jobs/{id}/history", s.handleHistory)
			r.Get("/dlq", s.handleDLQ)
		})
		r.With(s.rateLimit("telemetry")).Post("/telemetry/signal", s.handleSignal)
		r.Get("/reports/at-risk-signals", s.handleAtRisk)
	})
	return r
}

type tenantKey struct{}

func tenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

// requireTenant rejects requests that do not name their tenant.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(s.cfg.TenantIDKey)
		if tenant == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s header is required", s.cfg.TenantIDKey))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func (s *Server) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			d, err := s.limiter.Allow(r.Context(), ratelimit.Key(scope, tenantFrom(r.Context())))
			if err != nil {
				s.log.Error().Err(err).Str("scope", scope).Msg("rate limiter unavailable")
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.WithLabelValues(scope).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(started)).
			Msg("http request")
	})
}

type createJobResponse struct {
	JobID string          `json:"job_id"`
	State models.JobState `json:"state"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req worker.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "job_type and operator_name are required")
		return
	}
	job, err := s.jobs.Create(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, State: job.State})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.GetStatus(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, State: job.State})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.jobs.History(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "items": items})
}

// handleDLQ returns the caller's most recent dead-lettered jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.Peek(r.Context(), tenantFrom(r.Context()), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type signalRequest struct {
	DeviceID   string   `json:"device_id" validate:"required"`
	RxPowerDBm *float64 `json:"rx_power_dbm" validate:"required"`
	TxPowerDBm *float64 `json:"tx_power_dbm"`
	TempC      *float64 `json:"temp_c"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sev := s.signals.Ingest(tenantFrom(r.Context()), monitor.Sample{
		DeviceID:   req.DeviceID,
		RxPowerDBm: *req.RxPowerDBm,
		TxPowerDBm: req.TxPowerDBm,
		TempC:      req.TempC,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ingested", "severity": sev.String()})
}

func (s *Server) handleAtRisk(w http.ResponseWriter, r *http.Request) {
	devices := s.signals.AtRisk(tenantFrom(r.Context()))
	if devices == nil {
		devices = []monitor.DeviceState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(devices), "devices": devices})
}

type operatorView struct {
	Name       string              `json:"name"`
	Capability registry.Capability `json:"capability"`
}

func (s *Server) handleOperators(w http.ResponseWriter, _ *http.Request) {
	descs := s.operators.Descriptors()
	out := make([]operatorView, 0, len(descs))
	for _, d := range descs {
		out = append(out, operatorView{Name: d.Name, Capability: d.Capability})
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrUnknownOperator):
		code = http.StatusNotFound
	case errors.Is(err, adapter.ErrConfiguration):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, worker.ErrInvalidPayload), errors.Is(err, worker.ErrUnknownJobType):
		code = http.StatusBadRequest
	case errors.Is(err, worker.ErrJobFinished):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
