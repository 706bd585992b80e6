package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigUnavailable means the configuration backend could not be reached.
	ErrConfigUnavailable = errors.New("config backend unavailable")
	// ErrRenderUnavailable means the catalog could not render a visualization.
	ErrRenderUnavailable = errors.New("render unavailable")
	// ErrTransport marks network failures and non-2xx responses.
	ErrTransport = errors.New("transport error")
	// ErrNoDownloadOptions means the catalog offers nothing to download for a scene.
	ErrNoDownloadOptions = errors.New("no download options")
	// ErrNoScenes means the catalog query returned zero results.
	ErrNoScenes = errors.New("No images found")
	// ErrSearchFailed wraps catalog query failures.
	ErrSearchFailed = errors.New("catalog search failed")
	// ErrMalformedArchive means an archive could not be read at all, or broke mid-stream.
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrUnsafeMember means an archive entry would escape the extraction root.
	ErrUnsafeMember = errors.New("unsafe archive member")
	// ErrNotFound is returned by stores when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCancelled means the run was cancelled before all scenes were dispatched.
	ErrCancelled = errors.New("run cancelled")
)

// TransportError describes a failed HTTP exchange.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error: %s: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
