package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"analysis-dispatch/internal/auth"
	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/jobs"
	"analysis-dispatch/internal/models"
	"analysis-dispatch/internal/ratelimit"
	"analysis-dispatch/internal/telemetry"
	applog "analysis-dispatch/pkg/log"
)

const maxBodyBytes = 1 << 20

// Limiter throttles enqueue calls per user.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Pinger reports whether a backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg      config.Config
	jobs     *jobs.Service
	verifier *auth.Verifier
	limiter  Limiter
	db       Pinger
	logger   *zap.Logger
}

// New constructs the API server. limiter and db may be nil.
func New(cfg config.Config, svc *jobs.Service, verifier *auth.Verifier, limiter Limiter, db Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		jobs:     svc,
		verifier: verifier,
		limiter:  limiter,
		db:       db,
		logger:   logger.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		applog.RequestLogger(s.logger),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}),
	)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.verifier.Authenticator)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/analysis", s.handleEnqueue(models.TypeAnalysis))
			r.Post("/retraining", s.handleEnqueue(models.TypeRetraining))
			r.Post("/reports", s.handleEnqueue(models.TypeReport))
			r.Post("/emails", s.handleEnqueue(models.TypeEmail))
			r.Post("/notifications", s.handleEnqueue(models.TypeNotification))
		})

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/queues/stats", s.handleStats)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Queue().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "redis"})
		return
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn("health check: postgres unreachable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "postgres"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type backoffRequest struct {
	Type       string  `json:"type"`
	Delay      int64   `json:"delay"`
	Multiplier float64 `json:"multiplier"`
	Max        int64   `json:"max"`
}

// optionsRequest carries per-job overrides. Durations are milliseconds.
type optionsRequest struct {
	Attempts int             `json:"attempts"`
	Backoff  *backoffRequest `json:"backoff"`
	Timeout  int64           `json:"timeout"`
}

func (o optionsRequest) toOptions() (models.Options, error) {
	opts := models.Options{
		Attempts: o.Attempts,
		Timeout:  time.Duration(o.Timeout) * time.Millisecond,
	}
	if o.Backoff != nil {
		switch models.BackoffType(o.Backoff.Type) {
		case models.BackoffFixed, models.BackoffExponential:
		default:
			return opts, fmt.Errorf("%w: backoff type must be fixed or exponential", models.ErrInvalidPayload)
		}
		opts.Backoff = models.Backoff{
			Type:       models.BackoffType(o.Backoff.Type),
			Delay:      time.Duration(o.Backoff.Delay) * time.Millisecond,
			Multiplier: o.Backoff.Multiplier,
			Max:        time.Duration(o.Backoff.Max) * time.Millisecond,
		}
	}
	return opts, nil
}

type enqueueResponse struct {
	JobID string `json:"jobId"`
}

// handleEnqueue accepts the job payload as the request body, plus an optional "options" object.
// The caller's user id always comes from the token.
func (s *Server) handleEnqueue(typ models.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil || len(body) > maxBodyBytes {
			http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
			return
		}
		fields := map[string]json.RawMessage{}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}

		var req optionsRequest
		var opts models.Options
		if raw, ok := fields["options"]; ok {
			if err := json.Unmarshal(raw, &req); err != nil {
				http.Error(w, "invalid options", http.StatusBadRequest)
				return
			}
			if opts, err = req.toOptions(); err != nil {
				s.writeError(w, err)
				return
			}
			delete(fields, "options")
		}
		uid, _ := json.Marshal(user.ID)
		fields["userId"] = uid

		payload, err := json.Marshal(fields)
		if err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		id, err := s.jobs.Enqueue(r.Context(), typ, payload, opts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.GetQueueStats(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		user, _ := auth.UserFromContext(r.Context())
		decision, err := s.limiter.Allow(r.Context(), user.ID)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusServiceUnavailable)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(math.Ceil(decision.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields []jobs.FieldError `json:"fields,omitempty"`
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: models.ErrInvalidPayload.Error(), Fields: verr.Fields})
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, models.ErrUnknownJobType):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: models.ErrJobNotFound.Error()})
	case errors.Is(err, models.ErrQueueUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: models.ErrQueueUnavailable.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
