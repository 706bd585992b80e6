// Package memory stores blobs and documents in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

type blob struct {
	data        []byte
	contentType string
	updated     time.Time
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string]blob)}
}

// Put persists the content, overwriting any previous value, and returns a URI.
func (s *BlobStore) Put(_ context.Context, path string, contentType string, body io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = blob{
		data:        append([]byte(nil), byteData...),
		contentType: contentType,
		updated:     time.Now().UTC(),
	}
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a copy of the stored content.
func (s *BlobStore) Get(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ingest.ErrNotFound)
	}
	return append([]byte(nil), b.data...), nil
}

// Exists reports whether path is stored.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

// List returns blobs under prefix in path order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]ingest.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.BlobInfo, 0)
	for path, b := range s.data {
		if strings.HasPrefix(path, prefix) {
			out = append(out, ingest.BlobInfo{Path: path, Size: int64(len(b.data)), Updated: b.updated})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ContentType returns the content type recorded for path.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[path].contentType
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
