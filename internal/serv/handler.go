// Package serv is the HTTP front end of the archive
package serv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PDOK/csv-archive-server/internal/agg"
	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/bundle"
	"github.com/PDOK/csv-archive-server/internal/guard"
	"github.com/PDOK/csv-archive-server/internal/naming"
)

type Indexer interface {
	Aggregate() (archive.Index, error)
	Week(year, week int) (archive.WeekBucket, error)
}

type Summarizer interface {
	Summarize(bucket archive.WeekBucket) (agg.WeekSummary, error)
}

// CurrentWeek lists the files still being written for the running week
type CurrentWeek interface {
	Current() (archive.WeekBucket, error)
}

type Recorder interface {
	ObserveRequest(route, code string, durationSeconds float64)
	ObserveBundle(bytes int64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRequest(string, string, float64) {}
func (noopRecorder) ObserveBundle(int64)                    {}

// Deps are the collaborators of a Handler. Summarizer, Current, CurrentBundles, Metrics and Recorder are optional.
type Deps struct {
	Indexer        Indexer
	Guard          *guard.Guard
	Bundles        *bundle.Builder
	Summarizer     Summarizer
	Current        CurrentWeek
	CurrentBundles *bundle.Builder
	Metrics        http.Handler
	Recorder       Recorder
	Logger         *slog.Logger
	Status         Status
}

// Status is the static part of the /api/status response
type Status struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	ArchiveRoot string `json:"archiveRoot"`
}

type Handler struct {
	Deps
	config Config
	links  links
	now    func() time.Time
}

func NewHandler(config Config, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	return &Handler{
		Deps:   deps,
		config: config,
		links:  links{baseURL: config.BaseURL},
		now:    time.Now,
	}
}

func (h *Handler) listArchives(w http.ResponseWriter, _ *http.Request) {
	index, err := h.Indexer.Aggregate()
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.renderJSON(w, http.StatusOK, h.links.listing(index))
}

// download serves a single file (?file=&year=), a week listing (?week=&year=) or usage help
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch {
	case query.Has("file") && query.Has("year"):
		h.downloadFile(w, query.Get("year"), query.Get("file"))
	case query.Has("week") && query.Has("year"):
		h.weekFiles(w, query.Get("year"), query.Get("week"))
	case query.Has("help") || (!query.Has("file") && !query.Has("week")):
		h.renderJSON(w, http.StatusOK, h.usage())
	default:
		h.renderError(w, fmt.Errorf("%w: missing parameters, use ?help to see the options", archive.ErrInvalidInput))
	}
}

func (h *Handler) downloadFile(w http.ResponseWriter, year, filename string) {
	path, err := h.Guard.Resolve(year, filename)
	if err != nil {
		h.renderError(w, err)
		return
	}
	// the guard checks the format only, the listing hides files filed under another year
	y, _ := guard.ParseYear(year)
	if _, err = naming.ParseForYear(filename, y); err != nil {
		h.renderError(w, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		h.renderError(w, fmt.Errorf("%w: %s: %w", archive.ErrNotFound, filename, err))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		h.renderError(w, fmt.Errorf("%w: %s: %w", archive.ErrNotFound, filename, err))
		return
	}
	if !info.Mode().IsRegular() {
		h.renderError(w, fmt.Errorf("%w: %s is not a file", archive.ErrNotFound, filename))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", attachment(filename))
	w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	w.Header().Set("Expires", "0")
	if _, err = io.Copy(w, file); err != nil {
		h.Logger.Warn("error sending file", "file", filename, "error", err)
	}
}

func (h *Handler) weekFiles(w http.ResponseWriter, year, week string) {
	y, wk, err := parseYearWeek(year, week)
	if err != nil {
		h.renderError(w, err)
		return
	}
	bucket, err := h.Bundles.ListWeekFiles(y, wk)
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.renderJSON(w, http.StatusOK, h.links.weekListing(bucket))
}

func (h *Handler) downloadWeekBundle(w http.ResponseWriter, r *http.Request) {
	year, week, err := parseYearWeek(chi.URLParam(r, "year"), chi.URLParam(r, "week"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.sendBundle(w, h.Bundles, year, week)
}

func (h *Handler) downloadCurrentBundle(w http.ResponseWriter, _ *http.Request) {
	current, err := h.Current.Current()
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.sendBundle(w, h.CurrentBundles, current.Year, current.Week)
}

func (h *Handler) sendBundle(w http.ResponseWriter, builder *bundle.Builder, year, week int) {
	b, err := builder.Build(year, week)
	if err != nil {
		h.renderError(w, err)
		return
	}
	// the temporary file goes on every path, including clients that hang up
	defer b.Close()

	w.Header().Set("Content-Type", bundle.ContentType)
	w.Header().Set("Content-Disposition", attachment(b.Name))
	w.Header().Set("Content-Length", fmt.Sprint(b.Size))
	n, err := io.Copy(w, b)
	if err != nil {
		h.Logger.Warn("error sending bundle", "bundle", b.Name, "sent", n, "size", b.Size, "error", err)
		return
	}
	h.Recorder.ObserveBundle(n)
}

func (h *Handler) weekSummary(w http.ResponseWriter, r *http.Request) {
	year, week, err := parseYearWeek(chi.URLParam(r, "year"), chi.URLParam(r, "week"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	bucket, err := h.Indexer.Week(year, week)
	if err != nil {
		h.renderError(w, err)
		return
	}
	summary, err := h.Summarizer.Summarize(bucket)
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.renderJSON(w, http.StatusOK, summary)
}

func (h *Handler) currentWeek(w http.ResponseWriter, _ *http.Request) {
	bucket, err := h.Current.Current()
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.renderJSON(w, http.StatusOK, h.links.weekListing(bucket))
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	year, week := h.now().ISOWeek()
	h.renderJSON(w, http.StatusOK, map[string]any{
		"status":      "online",
		"service":     h.Status.Service,
		"version":     h.Status.Version,
		"archiveRoot": h.Status.ArchiveRoot,
		"currentWeek": map[string]any{
			"year":  year,
			"week":  week,
			"label": fmt.Sprintf("%s_%d", naming.WeekLabel(week), year),
		},
		"endpoints": h.endpoints(),
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) usage() map[string]any {
	return map[string]any{
		"usage": map[string]string{
			"single file":          "/api/download?file=S01_2025_machine1.csv&year=2025",
			"complete week (list)": "/api/download?week=1&year=2025",
			"complete week (zip)":  "/api/download/2025/1",
		},
		"formats": map[string]string{
			"single file":          "CSV",
			"complete week (list)": "JSON with the CSV files to download",
			"complete week (zip)":  "ZIP with all CSV files of the week",
		},
	}
}

func (h *Handler) renderJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(body); err != nil {
		h.Logger.Warn("error writing response", "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "error", err)
		message = "internal server error"
	}
	h.renderJSON(w, status, errorResponse{Status: "error", Code: archive.Code(err), Message: message})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, archive.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func parseYearWeek(year, week string) (int, int, error) {
	y, err := guard.ParseYear(year)
	if err != nil {
		return 0, 0, err
	}
	w, err := guard.ParseWeek(week)
	if err != nil {
		return 0, 0, err
	}
	return y, w, nil
}

func attachment(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}
