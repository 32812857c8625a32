package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestInMemoryStore_CreateAndDownload(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	f, err := store.CreateFile(ctx, "identification", "file-1", NewInputFile("id.png", "image/png", []byte("png-bytes")))
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if f.ID != "file-1" || f.Bucket != "identification" {
		t.Errorf("unexpected file identity: %+v", f)
	}
	if f.Size != int64(len("png-bytes")) {
		t.Errorf("expected size %d, got %d", len("png-bytes"), f.Size)
	}
	if len(f.Hash) != 64 {
		t.Errorf("expected sha256 hex hash, got %q", f.Hash)
	}

	rc, meta, err := store.Download(ctx, "identification", "file-1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "png-bytes" {
		t.Errorf("unexpected content %q", data)
	}
	if meta.ContentType != "image/png" {
		t.Errorf("expected image/png, got %s", meta.ContentType)
	}
}

func TestInMemoryStore_Errors(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if _, err := store.CreateFile(ctx, "b", "x", NewInputFile("", "text/plain", []byte("a"))); !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
	if _, err := store.CreateFile(ctx, "b", "x", NewInputFile("a.txt", "text/plain", nil)); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
	if _, err := store.CreateFile(ctx, "b", "x", InputFile{Name: "big.bin", Content: io.LimitReader(zeroReader{}, MaxFileSize+1)}); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := store.CreateFile(ctx, "b", "x", NewInputFile("a.txt", "", []byte("a"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.CreateFile(ctx, "b", "x", NewInputFile("a.txt", "", []byte("a"))); !errors.Is(err, ErrFileExists) {
		t.Errorf("expected ErrFileExists, got %v", err)
	}
	if _, _, err := store.Download(ctx, "other", "x"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound for other bucket, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestViewURL(t *testing.T) {
	got := ViewURL("https://cloud.example.com/v1", "identification", "abc123", "carepulse")
	want := "https://cloud.example.com/v1/storage/buckets.identification/files/abc123/view?project=carepulse"
	if got != want {
		t.Errorf("ViewURL = %q, want %q", got, want)
	}

	got = ViewURL("http://localhost:8000/", "b", "f", "p")
	if got != "http://localhost:8000/storage/buckets.b/files/f/view?project=p" {
		t.Errorf("trailing slash not trimmed: %q", got)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newViewServer(t *testing.T, apiKey string) *echo.Echo {
	t.Helper()
	store := NewInMemoryStore()
	if _, err := store.CreateFile(context.Background(), "identification", "file-1", NewInputFile("id.pdf", "application/pdf", []byte("%PDF-1.4"))); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := echo.New()
	NewViewHandler(store, "carepulse", apiKey).RegisterRoutes(e)
	return e
}

func TestViewHandler_ServesFile(t *testing.T) {
	e := newViewServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/storage/buckets.identification/files/file-1/view?project=carepulse", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "%PDF-1.4" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %s", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "id.pdf") {
		t.Errorf("expected file name in Content-Disposition")
	}
}

func TestViewHandler_NotFound(t *testing.T) {
	e := newViewServer(t, "")
	paths := []string{
		"/storage/buckets.identification/files/missing/view?project=carepulse",
		"/storage/identification/files/file-1/view?project=carepulse",
		"/storage/buckets.identification/files/file-1/view?project=other",
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rec.Code)
		}
	}
}

func TestViewHandler_APIKey(t *testing.T) {
	e := newViewServer(t, "secret-key")
	path := "/storage/buckets.identification/files/file-1/view?project=carepulse"

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", rec.Code)
	}
}

func TestViewHandler_ComposedURL(t *testing.T) {
	link := ViewURL("http://localhost:8000", "identification", "file-1", "carepulse")
	path := strings.TrimPrefix(link, "http://localhost:8000")

	rec := httptest.NewRecorder()
	newViewServer(t, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected browser link to open without a key, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newViewServer(t, "secret-key").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected key-gated route to reject a bare link, got %d", rec.Code)
	}
}
