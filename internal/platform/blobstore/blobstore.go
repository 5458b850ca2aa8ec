// Package blobstore keeps local copies of uploaded prescription files. It
// defines the BlobStore interface, an in-memory implementation and Echo
// handlers for listing and downloading a session's prescriptions.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound                = errors.New("blob not found")
	ErrFileTooLarge                = errors.New("file exceeds maximum allowed size")
	ErrUnsupportedPrescriptionType = errors.New("prescription must be a PDF, JPEG or PNG file")
	ErrMissingFileName             = errors.New("file name is required")
	ErrEmptyFile                   = errors.New("file is empty")
)

// DefaultMaxFileSize caps a prescription upload (10 MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// AllowedContentTypes are the prescription formats accepted, keyed by the
// file extensions that may carry them.
var AllowedContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// BlobMetadata describes a stored prescription.
type BlobMetadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SessionID   string    `json:"session_id"`
	Medicine    string    `json:"medicine"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for prescription storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	ListBySession(ctx context.Context, sessionID string) ([]*BlobMetadata, error)
}

// DetectContentType checks the file extension and the sniffed content
// against the allowed prescription formats. Both must agree.
func DetectContentType(fileName string, data []byte) (string, error) {
	want, ok := AllowedContentTypes[strings.ToLower(filepath.Ext(fileName))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPrescriptionType, fileName)
	}
	got := http.DetectContentType(data)
	if i := strings.IndexByte(got, ';'); i >= 0 {
		got = got[:i]
	}
	if got != want {
		return "", fmt.Errorf("%w: %s looks like %s", ErrUnsupportedPrescriptionType, fileName, got)
	}
	return want, nil
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore.
type InMemoryBlobStore struct {
	maxSize int64

	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a store that rejects files over maxSize
// bytes. A non-positive maxSize uses DefaultMaxFileSize.
func NewInMemoryBlobStore(maxSize int64) *InMemoryBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &InMemoryBlobStore{
		maxSize: maxSize,
		blobs:   make(map[string]*storedBlob),
	}
}

// Upload validates the file, computes a SHA-256 hash and stores it.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	contentType, err := DetectContentType(meta.FileName, data)
	if err != nil {
		return nil, err
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.ContentType = contentType
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

// ListBySession returns a session's prescriptions, oldest first.
func (s *InMemoryBlobStore) ListBySession(_ context.Context, sessionID string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.SessionID != sessionID {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched, nil
}

// Archive stores prescriptions for the conversation controller.
type Archive struct {
	store BlobStore
}

func NewArchive(store BlobStore) *Archive {
	return &Archive{store: store}
}

// Store validates and keeps a copy of one prescription file, returning its
// blob ID.
func (a *Archive) Store(ctx context.Context, sessionID, medicine, fileName string, content []byte) (string, error) {
	meta, err := a.store.Upload(ctx, BlobMetadata{
		FileName:  fileName,
		SessionID: sessionID,
		Medicine:  medicine,
	}, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

// BlobHandler serves stored prescriptions.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts prescription routes on the supplied Echo group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/sessions/:id/prescriptions", h.handleListBySession)
	g.GET("/prescriptions/:blobId/metadata", h.handleGetMetadata)
	g.GET("/prescriptions/:blobId", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("blobId"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("blobId"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *BlobHandler) handleListBySession(c echo.Context) error {
	items, err := h.store.ListBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*BlobMetadata{}
	}
	return c.JSON(http.StatusOK, items)
}
