package serv

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(cors(h.config.AllowedOrigin))

	r.Get("/health", h.health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/archives", h.listArchives)
		r.Get("/download", h.download)
		r.Get("/download/{year}/{week}", h.downloadWeekBundle)
		r.Get("/status", h.status)
		if h.Summarizer != nil {
			r.Get("/archives/{year}/{week}/summary", h.weekSummary)
		}
		if h.Current != nil {
			r.Get("/current", h.currentWeek)
			if h.CurrentBundles != nil {
				r.Get("/download/current", h.downloadCurrentBundle)
			}
		}
	})
	return r
}

func (h *Handler) endpoints() []string {
	endpoints := []string{
		"/api/archives",
		"/api/download?file=<file>&year=<year>",
		"/api/download?week=<week>&year=<year>",
		"/api/download/<year>/<week>",
		"/api/status",
	}
	if h.Summarizer != nil {
		endpoints = append(endpoints, "/api/archives/<year>/<week>/summary")
	}
	if h.Current != nil {
		endpoints = append(endpoints, "/api/current")
		if h.CurrentBundles != nil {
			endpoints = append(endpoints, "/api/download/current")
		}
	}
	return endpoints
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set(requestIDHeader, requestID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		h.Recorder.ObserveRequest(route, strconv.Itoa(status), duration.Seconds())
		h.Logger.LogAttrs(r.Context(), levelFor(status), "request",
			slog.String("id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", duration),
		)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func cors(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length, "+requestIDHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
