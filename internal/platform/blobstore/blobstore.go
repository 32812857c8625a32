// Package blobstore stores uploaded files in buckets. It defines the Store
// interface, an in-memory implementation for development and tests, a
// PostgreSQL implementation, and the Echo handler that serves a stored file
// through its view URL.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrFileExists      = errors.New("file already exists")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrEmptyFile       = errors.New("file content is empty")
)

// MaxFileSize is the maximum stored file size in bytes (50 MiB).
const MaxFileSize = 50 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// InputFile is a file to be stored.
type InputFile struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// NewInputFile wraps an in-memory payload.
func NewInputFile(name, contentType string, content []byte) InputFile {
	return InputFile{Name: name, ContentType: contentType, Content: bytes.NewReader(content)}
}

// File describes a stored file.
type File struct {
	ID          string    `json:"$id"`
	Bucket      string    `json:"bucketId"`
	Name        string    `json:"name"`
	ContentType string    `json:"mimeType"`
	Size        int64     `json:"sizeOriginal"`
	Hash        string    `json:"signature"`
	CreatedAt   time.Time `json:"$createdAt"`
}

// Store is the contract for file storage backends.
type Store interface {
	CreateFile(ctx context.Context, bucket, id string, in InputFile) (*File, error)
	Download(ctx context.Context, bucket, id string) (io.ReadCloser, *File, error)
}

// ViewURL composes the public retrieval URL of a stored file.
func ViewURL(endpoint, bucket, fileID, projectID string) string {
	return fmt.Sprintf("%s/storage/buckets.%s/files/%s/view?project=%s",
		strings.TrimRight(endpoint, "/"), bucket, fileID, url.QueryEscape(projectID))
}

// readInput drains in, enforcing the name and size limits, and returns the
// payload with its SHA-256 digest.
func readInput(in InputFile) ([]byte, string, error) {
	if in.Name == "" {
		return nil, "", ErrMissingFileName
	}
	if in.Content == nil {
		return nil, "", ErrEmptyFile
	}
	data, err := io.ReadAll(io.LimitReader(in.Content, MaxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if len(data) == 0 {
		return nil, "", ErrEmptyFile
	}
	if int64(len(data)) > MaxFileSize {
		return nil, "", ErrFileTooLarge
	}
	return data, digest(data), nil
}

func digest(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func contentTypeOf(in InputFile) string {
	if in.ContentType == "" {
		return "application/octet-stream"
	}
	return in.ContentType
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedFile struct {
	file    File
	content []byte
}

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	files map[string]*storedFile
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{files: make(map[string]*storedFile)}
}

func memKey(bucket, id string) string { return bucket + "/" + id }

func (s *InMemoryStore) CreateFile(_ context.Context, bucket, id string, in InputFile) (*File, error) {
	data, hash, err := readInput(in)
	if err != nil {
		return nil, err
	}

	f := File{
		ID:          id,
		Bucket:      bucket,
		Name:        in.Name,
		ContentType: contentTypeOf(in),
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[memKey(bucket, id)]; exists {
		return nil, ErrFileExists
	}
	s.files[memKey(bucket, id)] = &storedFile{file: f, content: data}

	out := f
	return &out, nil
}

func (s *InMemoryStore) Download(_ context.Context, bucket, id string) (io.ReadCloser, *File, error) {
	s.mu.RLock()
	sf, ok := s.files[memKey(bucket, id)]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrFileNotFound
	}
	f := sf.file
	return io.NopCloser(bytes.NewReader(sf.content)), &f, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// ViewHandler serves GET /storage/buckets.{bucket}/files/{fileId}/view.
type ViewHandler struct {
	store     Store
	projectID string
	apiKey    string
}

// NewViewHandler creates a ViewHandler. When apiKey is non-empty requests
// must present it in the X-Api-Key header, which restricts the route to
// server-to-server access: a composed ViewURL carries only the project and
// cannot be opened as a plain browser link. Browser-facing deployments leave
// apiKey empty and rely on the unguessable file id.
func NewViewHandler(store Store, projectID, apiKey string) *ViewHandler {
	return &ViewHandler{store: store, projectID: projectID, apiKey: apiKey}
}

// RegisterRoutes mounts the view route on the supplied Echo instance.
func (h *ViewHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/storage/:bucketRef/files/:fileId/view", h.handleView)
}

func (h *ViewHandler) handleView(c echo.Context) error {
	if h.apiKey != "" {
		got := c.Request().Header.Get("X-Api-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.apiKey)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
	}

	bucket, ok := strings.CutPrefix(c.Param("bucketRef"), "buckets.")
	if !ok || bucket == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown bucket reference"})
	}
	if c.QueryParam("project") != h.projectID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown project"})
	}

	rc, f, err := h.store.Download(c.Request().Context(), bucket, c.Param("fileId"))
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read file"})
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, f.Name))
	c.Response().Header().Set("ETag", `"`+f.Hash+`"`)
	return c.Stream(http.StatusOK, f.ContentType, rc)
}
