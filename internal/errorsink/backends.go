package errorsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

const timeLayout = time.RFC3339

// DocumentBackend stores each entry as a document in a collection.
type DocumentBackend struct {
	docs       ingest.DocumentStore
	collection string
	ids        ingest.IDGenerator
}

// NewDocumentBackend writes entries to collection (default "error_logs").
// Entries without an id get one from ids.
func NewDocumentBackend(docs ingest.DocumentStore, collection string, ids ingest.IDGenerator) *DocumentBackend {
	if collection == "" {
		collection = "error_logs"
	}
	return &DocumentBackend{docs: docs, collection: collection, ids: ids}
}

// Name implements Backend.
func (b *DocumentBackend) Name() string { return "document" }

// Write implements Backend.
func (b *DocumentBackend) Write(ctx context.Context, entry Entry) error {
	id := entry.ID
	if id == "" {
		if b.ids == nil {
			return errors.New("error log entry has no id")
		}
		generated, err := b.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		id = generated
	}
	return b.docs.Upsert(ctx, b.collection, id, map[string]any{
		"message":   entry.Message,
		"timestamp": entry.Timestamp,
	})
}

// FileConfig controls the rotating JSON-lines log.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileBackend appends one JSON object per line to a rotating file.
type FileBackend struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileBackend opens a lumberjack-rotated log at cfg.Path.
func NewFileBackend(cfg FileConfig) (*FileBackend, error) {
	if cfg.Path == "" {
		return nil, errors.New("errorlog.file.path is required")
	}
	return NewWriterBackend(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

// NewWriterBackend writes JSON lines to w.
func NewWriterBackend(w io.WriteCloser) *FileBackend {
	return &FileBackend{w: w}
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Write implements Backend.
func (b *FileBackend) Write(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.w.Write(line); err != nil {
		return fmt.Errorf("append error log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Close()
}
