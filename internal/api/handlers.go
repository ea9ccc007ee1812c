package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/coordinator"
	"submission-orchestrator/internal/export"
	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/ratelimit"
)

const (
	maxBodyBytes     = 64 << 10
	defaultListLimit = 100
	// AgentHeader identifies the calling agent for rate limiting.
	AgentHeader = "X-Agent-ID"
)

// Server holds all HTTP handlers and dependencies
type Server struct {
	coord       *coordinator.Coordinator
	exporter    *export.Service
	rateLimiter *ratelimit.RateLimiter
	wsHandler   http.Handler
	schema      *jsonschema.Schema
	logger      *slog.Logger
}

// NewServer creates a new API server. ws may be nil to disable /ws.
func NewServer(coord *coordinator.Coordinator, exporter *export.Service, limiter *ratelimit.RateLimiter, ws http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileCreateSchema()
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Server{
		coord:       coord,
		exporter:    exporter,
		rateLimiter: limiter,
		wsHandler:   ws,
		schema:      schema,
		logger:      logger,
	}, nil
}

// CreateSubmission handles POST /submissions
func (s *Server) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	agent := agentID(r)
	if s.rateLimiter != nil {
		if ok, wait := s.rateLimiter.Allow(agent); !ok {
			s.logger.Warn("create rate limited", "agent_id", agent)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, models.Envelope{
				Error: models.KindRateLimited, Detail: "too many submissions, retry later", Retryable: true,
			})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Envelope{Error: models.KindValidationError, Detail: "request body too large or unreadable"})
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Envelope{Error: models.KindValidationError, Detail: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Envelope{
			Error: models.KindValidationError, Detail: "request does not match schema", Fields: schemaFieldErrors(err),
		})
		return
	}

	var req models.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Envelope{Error: models.KindValidationError, Detail: err.Error()})
		return
	}
	req.AgentID = agent

	res, err := s.coord.CreateJob(r.Context(), req)
	if err != nil {
		if res.SubmissionID != "" {
			// Recorded but not queued; hand back the id so the caller can retry the enqueue.
			status, env := s.errorEnvelope(err)
			writeJSON(w, status, models.CreateResponse{Envelope: env, CreateResult: res})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.CreateResponse{Envelope: models.Envelope{OK: true}, CreateResult: res})
}

// ConfirmAuth handles POST /submissions/{id}/confirm
func (s *Server) ConfirmAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ConfirmAuth(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConfirmResponse{Envelope: models.Envelope{OK: true}})
}

// RestartAuth handles POST /submissions/{id}/auth/restart
func (s *Server) RestartAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RestartAuth(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConfirmResponse{Envelope: models.Envelope{OK: true}})
}

// Enqueue handles POST /submissions/{id}/enqueue
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.coord.EnqueueSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.EnqueueResponse{Envelope: models.Envelope{OK: true}, JobID: jobID})
}

// GetStatus handles GET /submissions/{id}/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	submissionID := r.PathValue("id")
	if q := r.URL.Query().Get("submissionId"); q != "" && q != submissionID {
		writeJSON(w, http.StatusBadRequest, models.Envelope{Error: models.KindValidationError, Detail: "submissionId does not match the path"})
		return
	}
	snap, err := s.coord.GetStatus(r.Context(), r.URL.Query().Get("jobId"), submissionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Envelope: models.Envelope{OK: true}, StatusSnapshot: snap})
}

type listResponse struct {
	models.Envelope
	Count       int          `json:"count"`
	Submissions []models.Job `json:"submissions"`
}

// ListSubmissions handles GET /submissions
func (s *Server) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, models.Envelope{
				Error: models.KindValidationError, Fields: []models.FieldError{{Field: "limit", Message: "must be a positive integer"}},
			})
			return
		}
		limit = min(n, export.MaxRows)
	}

	jobs, err := s.coord.ListJobs(r.Context(), models.Status(r.URL.Query().Get("state")), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Envelope: models.Envelope{OK: true}, Count: len(jobs), Submissions: jobs})
}

// ExportSubmissions handles GET /submissions/export
func (s *Server) ExportSubmissions(w http.ResponseWriter, r *http.Request) {
	state := models.Status(r.URL.Query().Get("state"))
	if state != "" && !models.IsKnownStatus(state) {
		writeJSON(w, http.StatusBadRequest, models.Envelope{
			Error: models.KindValidationError, Fields: []models.FieldError{{Field: "state", Message: "unknown state"}},
		})
		return
	}
	b, err := s.exporter.ExportXLSX(r.Context(), state)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := fmt.Sprintf("submissions-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type metricsResponse struct {
	models.Envelope
	*models.Metrics
}

// GetMetrics returns per-state counts
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.coord.Metrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{Envelope: models.Envelope{OK: true}, Metrics: metrics})
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /submissions", s.CreateSubmission)
	mux.HandleFunc("GET /submissions", s.ListSubmissions)
	mux.HandleFunc("GET /submissions/export", s.ExportSubmissions)
	mux.HandleFunc("POST /submissions/{id}/confirm", s.ConfirmAuth)
	mux.HandleFunc("POST /submissions/{id}/auth/restart", s.RestartAuth)
	mux.HandleFunc("POST /submissions/{id}/enqueue", s.Enqueue)
	mux.HandleFunc("GET /submissions/{id}/status", s.GetStatus)
	mux.HandleFunc("GET /metrics", s.GetMetrics)
	if s.wsHandler != nil {
		mux.Handle("GET /ws", s.wsHandler)
	}
}

// errorEnvelope maps a coordinator error onto an HTTP status and body.
func (s *Server) errorEnvelope(err error) (int, models.Envelope) {
	var (
		ve *models.ValidationError
		ae *models.AuthError
		qe *models.QueueError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, models.Envelope{Error: models.KindValidationError, Detail: err.Error(), Fields: ve.Fields}
	case errors.As(err, &ae):
		return http.StatusConflict, models.Envelope{Error: models.KindAuthError, Detail: ae.Reason, Retryable: ae.Retryable}
	case errors.Is(err, models.ErrSessionExpired):
		return http.StatusGone, models.Envelope{Error: models.KindSessionExpired, Detail: "approval window elapsed; restart authentication"}
	case errors.As(err, &qe):
		status := http.StatusConflict
		if qe.Cause != nil {
			status = http.StatusServiceUnavailable
		}
		return status, models.Envelope{Error: models.KindQueueError, Detail: qe.Reason, Retryable: true}
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, models.Envelope{Error: models.KindNotFound, Detail: err.Error()}
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict, models.Envelope{Error: models.KindInternal, Detail: err.Error(), Retryable: true}
	default:
		return http.StatusInternalServerError, models.Envelope{Error: models.KindInternal, Detail: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := s.errorEnvelope(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// agentID names the caller: the X-Agent-ID header, else the remote host.
func agentID(r *http.Request) string {
	if id := r.Header.Get(AgentHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
