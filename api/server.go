// Package api exposes the coordinator over HTTP.
//
//	POST /sagas                     start a saga
//	GET  /sagas/{id}                query an instance
//	POST /sagas/{id}/cancel         cancel a running saga
//	POST /sagas/{id}/results        participant result callback
//	GET  /definitions               list registered definitions
//	GET  /definitions/{id}/graph    definition graph in DOT
//	GET  /metrics, GET /health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fortressi/sec"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator is the part of *sec.Coordinator the API drives.
type Coordinator interface {
	Start(ctx context.Context, definitionID, correlationID string, payload json.RawMessage) (uuid.UUID, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*sec.InstanceView, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	OnStepResult(ctx context.Context, res sec.StepResult) error
}

var _ Coordinator = (*sec.Coordinator)(nil)

// Server holds the HTTP handlers.
type Server struct {
	coordinator Coordinator
	registry    *sec.Registry
	metrics     http.Handler
	log         *zap.Logger
	validate    *validator.Validate
}

// NewServer creates the API. metrics may be nil.
func NewServer(coordinator Coordinator, registry *sec.Registry, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		metrics:     metrics,
		log:         log,
		validate:    validator.New(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", s.startSaga)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSaga)
			r.Post("/cancel", s.cancelSaga)
			r.Post("/results", s.reportResult)
		})
	})

	r.Route("/definitions", func(r chi.Router) {
		r.Get("/", s.listDefinitions)
		r.Get("/{id}/graph", s.definitionGraph)
	})
	return r
}

// StartRequest is the body of POST /sagas.
type StartRequest struct {
	DefinitionID  string          `json:"definition_id" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"max=256"`
	Payload       json.RawMessage `json:"payload"`
}

type StartResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
}

func (s *Server) startSaga(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.coordinator.Start(r.Context(), req.DefinitionID, req.CorrelationID, req.Payload)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, StartResponse{InstanceID: id})
}

func (s *Server) getSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	view, err := s.coordinator.GetInstance(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) cancelSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := s.coordinator.Cancel(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// reportResult accepts a participant's result. The instance id in the path
// wins over any id in the body.
func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	var msg sec.ResultMessage
	msg.InstanceID = id
	if !s.decode(w, r, &msg) {
		return
	}
	msg.InstanceID = id
	res, err := msg.StepResult()
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coordinator.OnStepResult(r.Context(), res); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type definitionSummary struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

func (s *Server) listDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.registry.Definitions()
	out := make([]definitionSummary, 0, len(defs))
	for _, def := range defs {
		steps := make([]string, len(def.Steps))
		for i, step := range def.Steps {
			steps[i] = step.Name
		}
		out = append(out, definitionSummary{ID: def.ID, Name: def.Name, Steps: steps})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) definitionGraph(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	out, err := def.DOT()
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v and validates it, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondMessage(w, http.StatusBadRequest, "validation error: "+err.Error())
		return false
	}
	return true
}

func instanceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondMessage(w, http.StatusBadRequest, "invalid saga id")
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps coordinator errors to status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sec.ErrUnknownDefinition), errors.Is(err, sec.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sec.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, sec.ErrNotRunning), errors.Is(err, sec.ErrTerminalState):
		status = http.StatusConflict
	case errors.Is(err, sec.ErrCoordinatorClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	respondMessage(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
