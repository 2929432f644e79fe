package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"voxlens/internal/config"
	"voxlens/internal/model"
	"voxlens/internal/pipeline"
	"voxlens/internal/scratch"
	"voxlens/internal/synthesis"
	"voxlens/internal/transcription"
	"voxlens/internal/upstream"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

type PipelineService interface {
	Process(ctx context.Context, in pipeline.ProcessInput) (pipeline.ProcessResult, error)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
	HasCredential(ctx context.Context) bool
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Pipeline       PipelineService
	Upstream       UpstreamChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     PipelineService
	upstream     UpstreamChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	serviceName      = "voxlens"
)

// formError marks failures reading the multipart request itself, as opposed
// to failures inside the pipeline.
type formError struct {
	field string
	err   error
}

func (e *formError) Error() string {
	if e.field == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("multipart field %q: %v", e.field, e.err)
}

func (e *formError) Unwrap() error {
	return e.err
}

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.Upstream == nil {
		panic("httpapi: pipeline and upstream dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))
	r.Use(s.authMiddleware)

	r.Get("/", s.handleHealthz)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Post("/analyze", s.handleAnalyze)

	r.Get("/ui", s.handleUI)
	r.Post("/ui/ask", s.handleAsk)

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{Status: "ok"})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.upstream.HasCredential(r.Context()) {
		writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "upstream check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	result, audio, err := s.analyze(w, r)
	if err != nil {
		var fErr *formError
		if errors.As(err, &fErr) {
			s.handleMultipartReadError(w, r, fErr)
			return
		}
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.AnalyzeResponse{
		SpeechText:   result.Transcript,
		ResponseText: result.Answer,
		AudioBase64:  base64.StdEncoding.EncodeToString(audio),
		AudioFormat:  result.Audio.Format,
		Usage:        toModelTokenUsage(result),
		TimingsMS: model.AnalyzeTimings{
			Transcription: result.Timings.Transcription.Milliseconds(),
			Analysis:      result.Timings.Analysis.Milliseconds(),
			Synthesis:     result.Timings.Synthesis.Milliseconds(),
			Total:         result.Timings.Total.Milliseconds(),
		},
	})
}

// analyze stores both uploads in a request-scoped workspace, runs the
// pipeline and reads the answer audio back before the workspace is removed.
func (s *server) analyze(w http.ResponseWriter, r *http.Request) (pipeline.ProcessResult, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return pipeline.ProcessResult{}, nil, &formError{err: err}
	}
	defer cleanupMultipartForm(r.MultipartForm)

	ws, err := scratch.New(s.cfg.ScratchDir)
	if err != nil {
		return pipeline.ProcessResult{}, nil, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			s.logger.Warn("scratch_cleanup_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		}
	}()

	audioPath, err := saveUpload(r, ws, "audio")
	if err != nil {
		return pipeline.ProcessResult{}, nil, err
	}
	imagePath, err := saveUpload(r, ws, "image")
	if err != nil {
		return pipeline.ProcessResult{}, nil, err
	}

	result, err := s.pipeline.Process(r.Context(), pipeline.ProcessInput{
		AudioPath:          audioPath,
		ImagePath:          imagePath,
		OutputDir:          ws.Dir(),
		TranscriptionModel: strings.TrimSpace(r.FormValue("transcription_model")),
		VisionModel:        strings.TrimSpace(r.FormValue("vision_model")),
	})
	if err != nil {
		s.logPipelineFailure(r, err)
		return pipeline.ProcessResult{}, nil, err
	}

	audio, err := os.ReadFile(result.Audio.Path)
	if err != nil {
		return pipeline.ProcessResult{}, nil, err
	}
	return result, audio, nil
}

func saveUpload(r *http.Request, ws *scratch.Workspace, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", &formError{field: field, err: err}
	}
	defer func() { _ = file.Close() }()
	return ws.Save(field, header.Filename, file)
}

func (s *server) logPipelineFailure(r *http.Request, err error) {
	stage := ""
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		stage = string(stageErr.Stage)
	}
	s.logger.Warn("pipeline_failed",
		"request_id", requestIDFromContext(r.Context()),
		"stage", stage,
		"error", err,
	)
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err *formError) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	if errors.Is(err, http.ErrMissingFile) && err.field != "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("multipart field '%s' is required", err.field), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	s.writeError(w, r, status, code, message, detailsForError(err))
}

// classify maps a pipeline failure onto the HTTP error taxonomy.
func classify(err error) (status int, code, message string) {
	var upstreamErr *upstream.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, transcription.ErrEmptyTranscript),
		errors.Is(err, synthesis.ErrEmptyText),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest, "invalid_input", "input rejected"
	case errors.Is(err, upstream.ErrMissingAPIKey):
		return http.StatusUnauthorized, "credential_error", "upstream API key is missing"
	case errors.As(err, &upstreamErr) && upstreamErr.IsCredentialFailure():
		return http.StatusUnauthorized, "credential_error", "upstream API key was rejected"
	case errors.As(err, &upstreamErr), errors.Is(err, upstream.ErrMalformedResponse):
		return http.StatusBadGateway, "upstream_request_failed", "upstream request failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	case errors.Is(err, context.Canceled):
		return 499, "canceled", "request canceled"
	case errors.As(err, &urlErr):
		return http.StatusBadGateway, "upstream_unreachable", "upstream service unreachable"
	default:
		return http.StatusInternalServerError, "internal_error", "request failed"
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware only carries a caller-supplied key into the request context.
// A missing key is reported by the first upstream call, not here.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <api_key>", nil)
			return
		}
		if token != "" {
			r = r.WithContext(upstream.WithRequestAPIKey(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func toModelTokenUsage(result pipeline.ProcessResult) *model.TokenUsage {
	u := result.Usage
	if u == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		details["stage"] = string(stageErr.Stage)
	}
	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
