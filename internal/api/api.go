// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CZERTAINLY/daas/internal/log"
	"github.com/CZERTAINLY/daas/internal/model"
	"github.com/CZERTAINLY/daas/internal/pipeline"
	"github.com/CZERTAINLY/daas/internal/store"
)

const (
	problemContentType = "application/problem+json"
	// multipart framing on top of the sample itself
	formOverhead = 1 << 20
)

// Service is the part of the pipeline served over HTTP.
type Service interface {
	Find(ctx context.Context, p store.Predicate) ([]model.Sample, error)
	Upload(ctx context.Context, req pipeline.UploadRequest) (pipeline.UploadResult, error)
	Reprocess(ctx context.Context, req pipeline.ReprocessRequest) (pipeline.Outcome, error)
	SubmitResult(ctx context.Context, sha1 string, st model.Statistics) error
	Status(ctx context.Context, sha1 string) (model.Job, error)
	Cancel(ctx context.Context, sha1 string) (model.Job, error)
	Delete(ctx context.Context, sha1 string) error
	Result(ctx context.Context, sha1 string) ([]byte, error)
	Download(ctx context.Context, sha1 string) ([]byte, error)
	CountByType(ctx context.Context) (map[string]int, error)
	Activity(ctx context.Context) (pipeline.Activity, error)
}

type Options struct {
	MaxSize       int64
	AllowDownload bool
}

type Server struct {
	svc  Service
	opts Options
}

func New(svc Service, opts Options) *Server {
	if opts.MaxSize <= 0 {
		opts.MaxSize = model.DefaultMaxSize
	}
	return &Server{svc: svc, opts: opts}
}

// Handler returns the router with every route mounted under /api/v1.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/samples/hashes", s.samplesByHash)
		api.Get("/samples", s.samplesByType)
		api.Get("/samples/size", s.samplesBySize)
		api.Post("/upload", s.upload)
		api.Post("/reprocess", s.reprocess)
		api.Post("/results", s.submitResult)
		api.Get("/statistics/types", s.countByType)
		api.Get("/statistics/days", s.activity)

		api.Route("/samples/{sha1}", func(sample chi.Router) {
			sample.Get("/status", s.status)
			sample.Post("/cancel", s.cancel)
			sample.Delete("/", s.delete)
			sample.Get("/result", s.result)
			sample.Get("/download", s.download)
		})
	})
	return r
}

// requestLogger attaches the request id to the context logger and logs
// every finished request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String())
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(problem{Title: http.StatusText(code), Status: code, Detail: detail})
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, model.ErrUnsupportedContent):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, model.ErrConfigurationDrift):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidResult):
		return http.StatusBadRequest
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusOf(err)
	if code >= 500 {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	} else {
		slog.DebugContext(r.Context(), "request rejected", "error", err)
	}
	writeProblem(w, code, err.Error())
}
