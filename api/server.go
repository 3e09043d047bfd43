package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fabfab/lexray/chat"
	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/ingestion"
	"github.com/fabfab/lexray/metrics"
)

const defaultMaxUploadBytes int64 = 50 << 20

// Config holds HTTP-only settings.
type Config struct {
	// AllowAll accepts any CORS origin; otherwise only localhost origins.
	AllowAll       bool
	MaxUploadBytes int64
}

// Server exposes the question answering and document workflows over HTTP.
type Server struct {
	cfg       Config
	answers   *chat.Service
	documents *ingestion.Service
	store     chunks.Store
	recorder  *metrics.Recorder
	validate  *validator.Validate
	logger    zerolog.Logger
	handler   http.Handler
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// New wires the routes. recorder may be nil, in which case /metrics is not
// served and requests are not instrumented.
func New(cfg Config, answers *chat.Service, documents *ingestion.Service, store chunks.Store, recorder *metrics.Recorder, logger zerolog.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		cfg:       cfg,
		answers:   answers,
		documents: documents,
		store:     store,
		recorder:  recorder,
		validate:  newValidator(),
		logger:    logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.recorder != nil {
		r.Use(s.recorder.Middleware)
	}

	corsOpts := cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, errors.New("not found"))
	})

	r.Get("/healthz", s.handleHealth)
	if s.recorder != nil {
		r.Method(http.MethodGet, "/metrics", s.recorder.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/ask", s.handleAsk)
		r.Post("/ask/stream", s.handleAskStream)

		r.Post("/documents", s.handleUpload)
		r.Delete("/documents/{documentID}", s.handleDelete)

		r.Get("/diagnostics/embeddings/{documentID}", s.handleEmbeddingDiagnostics)
		r.Post("/diagnostics/table-format", s.handleTableDiagnostics)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Int("status", status).Msg("api error")
	s.writeJSON(w, status, errorResponse{Error: publicMessage(status, err)})
}

// statusFor maps pipeline failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNoChunks):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRetrievalTimeout), errors.Is(err, chat.ErrCompletionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, chat.ErrEmbedding), errors.Is(err, chat.ErrCompletion):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps provider and database detail out of 5xx responses.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusNotFound:
		if errors.Is(err, chat.ErrNoChunks) {
			return "document has not been processed or does not exist"
		}
	case http.StatusGatewayTimeout:
		return "the request timed out, please try again"
	case http.StatusBadGateway:
		if errors.Is(err, chat.ErrEmbedding) {
			return "embedding service unavailable"
		}
		return "language model unavailable"
	case http.StatusInternalServerError:
		return "internal server error"
	}
	return err.Error()
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

// decodeAndValidate decodes the body and applies the struct's validate tags.
func (s *Server) decodeAndValidate(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(fields, "; "))
		}
		return err
	}
	return nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
