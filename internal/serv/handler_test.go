package serv_test

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/PDOK/csv-archive-server/internal/agg"
	"github.com/PDOK/csv-archive-server/internal/archive"
	"github.com/PDOK/csv-archive-server/internal/bundle"
	"github.com/PDOK/csv-archive-server/internal/du"
	"github.com/PDOK/csv-archive-server/internal/guard"
	"github.com/PDOK/csv-archive-server/internal/serv"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root    string
	tempDir string
	handler http.Handler
}

func newFixture(t *testing.T, deps serv.Deps) fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "Archives")
	tempDir := filepath.Join(base, "tmp")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2025"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2024"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "v2"), 0o755))
	require.NoError(t, os.MkdirAll(tempDir, 0o755))
	writeFile(t, filepath.Join(root, "2025", "S01_2025_line1.csv"), 100)
	writeFile(t, filepath.Join(root, "2025", "S01_2025_line2.csv"), 200)
	writeFile(t, filepath.Join(root, "2025", "S02_2025_line1.csv"), 1536)
	writeFile(t, filepath.Join(root, "2025", "notes.txt"), 5)
	writeFile(t, filepath.Join(root, "2024", "S52_2024_RPDT.csv"), 10)
	writeFile(t, filepath.Join(base, "secret.csv"), 7)

	aggregator := agg.NewAggregator(du.NewLocalReader(root, nil), nil, nil)
	deps.Indexer = aggregator
	deps.Guard = guard.New(root)
	deps.Bundles = bundle.NewBuilder(aggregator, "MaxLink", tempDir, nil)
	deps.Status = serv.Status{Service: "test", Version: "dev", ArchiveRoot: root}
	handler := serv.NewHandler(serv.Config{AllowedOrigin: "*"}, deps).Router()
	return fixture{root: root, tempDir: tempDir, handler: handler}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
}

func (f fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	w := f.get(t, "/health")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Body.String())
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestListArchives(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	w := f.get(t, "/api/archives")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	body := w.Body.String()
	require.Less(t, strings.Index(body, `"2025"`), strings.Index(body, `"2024"`), "years are descending")
	require.NotContains(t, body, "v2")
	require.NotContains(t, body, "notes.txt")

	var got map[string][]struct {
		Week               int    `json:"week"`
		TotalSize          int64  `json:"totalSize"`
		TotalSizeFormatted string `json:"totalSizeFormatted"`
		FileCount          int    `json:"fileCount"`
		DownloadAllURL     string `json:"downloadAllUrl"`
		Files              []struct {
			Filename      string `json:"filename"`
			Machine       string `json:"machine"`
			Size          int64  `json:"size"`
			SizeFormatted string `json:"sizeFormatted"`
			DownloadURL   string `json:"downloadUrl"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	weeks := got["2025"]
	require.Len(t, weeks, 2)
	require.Equal(t, 2, weeks[0].Week)
	require.Equal(t, "1.5 KB", weeks[0].TotalSizeFormatted)
	require.Equal(t, 1, weeks[1].Week)
	require.Equal(t, int64(300), weeks[1].TotalSize)
	require.Equal(t, 2, weeks[1].FileCount)
	require.Equal(t, "/api/download/2025/1", weeks[1].DownloadAllURL)
	require.Equal(t, "line1", weeks[1].Files[0].Machine)
	require.Equal(t, "100 B", weeks[1].Files[0].SizeFormatted)
	require.Equal(t, "/api/download?file=S01_2025_line1.csv&year=2025", weeks[1].Files[0].DownloadURL)
}

func TestListArchives_MissingRoot(t *testing.T) {
	aggregator := agg.NewAggregator(du.NewLocalReader(filepath.Join(t.TempDir(), "missing"), nil), nil, nil)
	handler := serv.NewHandler(serv.Config{}, serv.Deps{
		Indexer: aggregator,
		Bundles: bundle.NewBuilder(aggregator, "MaxLink", "", nil),
	}).Router()
	req := httptest.NewRequest(http.MethodGet, "/api/archives", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())
}

func TestDownloadFile(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	writeFile(t, filepath.Join(f.root, "2025", "S01_2024_stray.csv"), 9)
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "2025", "S05_2025_dir.csv"), 0o755))
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   string
	}{
		{name: "ok", target: "/api/download?file=S01_2025_line1.csv&year=2025", wantStatus: http.StatusOK},
		{name: "missing", target: "/api/download?file=S09_2025_line1.csv&year=2025", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "bad year", target: "/api/download?file=S01_2025_line1.csv&year=1999", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "bad filename", target: "/api/download?file=notes.txt&year=2025", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "traversal", target: "/api/download?file=../../etc/passwd&year=2025", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "encoded traversal", target: "/api/download?file=..%2F..%2Fsecret.csv&year=2025", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "double encoded traversal", target: "/api/download?file=..%252F..%252Fsecret.csv&year=2025", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "file of another year", target: "/api/download?file=S01_2024_stray.csv&year=2025", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
		{name: "directory", target: "/api/download?file=S05_2025_dir.csv&year=2025", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "only file", target: "/api/download?file=S01_2025_line1.csv", wantStatus: http.StatusBadRequest, wantCode: "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, tt.target)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				require.NotContains(t, w.Body.String(), "xxxxxxx")
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.Equal(t, tt.wantCode, body["code"])
				return
			}
			require.Equal(t, "text/csv", w.Header().Get("Content-Type"))
			require.Equal(t, `attachment; filename="S01_2025_line1.csv"`, w.Header().Get("Content-Disposition"))
			require.Equal(t, "100", w.Header().Get("Content-Length"))
			require.Equal(t, 100, w.Body.Len())
		})
	}
}

func TestDownloadFile_SymlinkEscape(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	require.NoError(t, os.Symlink(filepath.Join(filepath.Dir(f.root), "secret.csv"), filepath.Join(f.root, "2025", "S03_2025_evil.csv")))
	w := f.get(t, "/api/download?file=S03_2025_evil.csv&year=2025")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestDownloadFile_MissingRoot(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	require.NoError(t, os.RemoveAll(f.root))
	w := f.get(t, "/api/download?file=S01_2025_line1.csv&year=2025")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), f.root)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "internal server error", body["message"])
}

func TestWeekListing(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	w := f.get(t, "/api/download?week=1&year=2025")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{
		"week": 1,
		"year": 2025,
		"fileCount": 2,
		"totalSize": 300,
		"totalSizeFormatted": "300 B",
		"files": [
			{"filename": "S01_2025_line1.csv", "size": 100, "sizeFormatted": "100 B", "downloadUrl": "/api/download?file=S01_2025_line1.csv&year=2025"},
			{"filename": "S01_2025_line2.csv", "size": 200, "sizeFormatted": "200 B", "downloadUrl": "/api/download?file=S01_2025_line2.csv&year=2025"}
		]
	}`, w.Body.String())

	require.Equal(t, http.StatusNotFound, f.get(t, "/api/download?week=42&year=2025").Code)
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/download?week=1&year=2026").Code)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/download?week=54&year=2025").Code)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/download?week=one&year=2025").Code)
}

func TestWeekBundle(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	w := f.get(t, "/api/download/2025/1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="MaxLink_S01_2025_Archives.zip"`, w.Header().Get("Content-Disposition"))
	require.Equal(t, strconv.Itoa(w.Body.Len()), w.Header().Get("Content-Length"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	require.ElementsMatch(t, []string{"S01_2025_line1.csv", "S01_2025_line2.csv"}, names)

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "temporary bundle is removed after the response")
}

// hangupWriter accepts the headers and the first chunk of the body, then fails like a closed connection
type hangupWriter struct {
	header  http.Header
	status  int
	written int
}

func (h *hangupWriter) Header() http.Header {
	return h.header
}

func (h *hangupWriter) WriteHeader(status int) {
	h.status = status
}

func (h *hangupWriter) Write(p []byte) (int, error) {
	if h.written > 0 {
		return 0, errors.New("connection reset by peer")
	}
	h.written += len(p)
	return len(p), nil
}

func TestWeekBundle_ClientAbort(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	// random content so the zip is larger than one copy buffer
	for i := range 4 {
		data := make([]byte, 64*1024)
		_, err := rand.Read(data)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(f.root, "2025", fmt.Sprintf("S01_2025_bulk%d.csv", i)), data, 0o644))
	}
	w := &hangupWriter{header: http.Header{}}
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/download/2025/1", nil))

	require.Equal(t, "application/zip", w.header.Get("Content-Type"))
	contentLength, err := strconv.Atoi(w.header.Get("Content-Length"))
	require.NoError(t, err)
	require.Less(t, w.written, contentLength, "body is cut off")

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "temporary bundle is removed when the client goes away")
}

func TestWeekBundle_Errors(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	tests := []struct {
		target     string
		wantStatus int
	}{
		{target: "/api/download/2025/99", wantStatus: http.StatusBadRequest},
		{target: "/api/download/2025/42", wantStatus: http.StatusNotFound},
		{target: "/api/download/2026/1", wantStatus: http.StatusNotFound},
		{target: "/api/download/2031/1", wantStatus: http.StatusBadRequest},
		{target: "/api/download/abcd/1", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			require.Equal(t, tt.wantStatus, f.get(t, tt.target).Code)
		})
	}
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUsageAndStatus(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	w := f.get(t, "/api/download")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "usage")
	require.Equal(t, http.StatusOK, f.get(t, "/api/download?help").Code)

	w = f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "online", status["status"])
	require.Equal(t, f.root, status["archiveRoot"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, serv.Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/api/archives", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

func TestCurrentWeek(t *testing.T) {
	bucket := archive.WeekBucket{Year: 2025, Week: 3}
	bucket.Add(archive.FileRecord{Filename: "S03_2025_509.csv", Year: 2025, Week: 3, Size: 2048})
	f := newFixture(t, serv.Deps{Current: fakeCurrent{bucket: bucket}})

	w := f.get(t, "/api/current")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Week               int    `json:"week"`
		FileCount          int    `json:"fileCount"`
		TotalSizeFormatted string `json:"totalSizeFormatted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, 3, got.Week)
	require.Equal(t, 1, got.FileCount)
	require.Equal(t, "2 KB", got.TotalSizeFormatted)

	require.Equal(t, http.StatusNotFound, f.get(t, "/api/download/current").Code, "no current bundles configured")
}

func TestWeekSummary(t *testing.T) {
	f := newFixture(t, serv.Deps{Summarizer: fakeSummarizer{}})
	w := f.get(t, "/api/archives/2025/1/summary")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"year":2025,"week":1,"rows":2,"results":{"OK":2},"files":[]}`, w.Body.String())
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/archives/2025/42/summary").Code)
}

type fakeCurrent struct {
	bucket archive.WeekBucket
}

func (f fakeCurrent) Current() (archive.WeekBucket, error) {
	return f.bucket, nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(bucket archive.WeekBucket) (agg.WeekSummary, error) {
	return agg.WeekSummary{
		Year:    bucket.Year,
		Week:    bucket.Week,
		Rows:    int64(bucket.FileCount()),
		Results: map[string]int64{"OK": int64(bucket.FileCount())},
		Files:   []agg.FileSummary{},
	}, nil
}
