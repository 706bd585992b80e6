// Package errorsink records non-fatal pipeline failures in a durable log.
//
// Messages matching the known-benign upstream class (anything mentioning
// "415") are dropped and only counted. Write failures are logged and
// swallowed; recording an error never fails the caller.
package errorsink

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/metrics"
)

// suppressedMarker identifies upstream "unsupported media type" noise.
const suppressedMarker = "415"

// Entry is one durable log line.
type Entry struct {
	ID        string `json:"id,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Backend persists entries.
type Backend interface {
	Name() string
	Write(ctx context.Context, entry Entry) error
}

// Sink implements ingest.ErrorSink over one or more backends.
type Sink struct {
	backends []Backend
	clock    ingest.Clock
	ids      ingest.IDGenerator
	logger   *zap.Logger
}

// New builds a Sink. With no backends, entries are only logged.
func New(clock ingest.Clock, ids ingest.IDGenerator, logger *zap.Logger, backends ...Backend) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{backends: backends, clock: clock, ids: ids, logger: logger}
}

// Suppressed reports whether message belongs to the dropped class.
func Suppressed(message string) bool {
	return strings.Contains(message, suppressedMarker)
}

// Record appends message with a UTC RFC 3339 timestamp.
func (s *Sink) Record(ctx context.Context, message string) {
	if Suppressed(message) {
		metrics.ObserveSuppressedError()
		return
	}
	entry := Entry{
		Message:   message,
		Timestamp: s.clock.Now().UTC().Format(timeLayout),
	}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("error log id generation failed", zap.Error(err))
		}
		entry.ID = id
	}
	if len(s.backends) == 0 {
		s.logger.Warn("pipeline error", zap.String("message", message))
		return
	}
	for _, b := range s.backends {
		err := b.Write(ctx, entry)
		metrics.ObserveRecordedError(b.Name(), err == nil)
		if err != nil {
			s.logger.Warn("error log write failed",
				zap.String("backend", b.Name()),
				zap.String("message", message),
				zap.Error(err),
			)
		}
	}
}
