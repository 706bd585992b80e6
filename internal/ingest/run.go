package ingest

import "time"

// State is a BatchRun lifecycle state.
type State string

// Run states in lifecycle order.
const (
	StateResolvingRegion State = "resolving_region"
	StateQuerying        State = "querying"
	StateDispatching     State = "dispatching"
	StateAggregating     State = "aggregating"
	StateFinalizing      State = "finalizing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// BatchRun is the in-memory aggregate of one invocation. It is never persisted.
type BatchRun struct {
	RunID            string
	Region           Region
	Window           TimeWindow
	Mode             Mode
	StartedAt        time.Time
	ScenesFound      int
	ScenesSucceeded  int
	ScenesFailed     int
	ScenesSkipped    int
	ScenesNotStarted int
	SavedImages      []string
	SavedMetadata    []string
	Errors           []string
	State            State
	Manifest         *Manifest
}

// Summary is the externally visible result of a run.
type Summary struct {
	RunID            string      `json:"run_id"`
	State            State       `json:"state"`
	StatusCode       int         `json:"-"`
	Message          string      `json:"message,omitempty"`
	Error            string      `json:"error,omitempty"`
	ImageCount       int         `json:"image_count"`
	ScenesSucceeded  int         `json:"scenes_succeeded"`
	ScenesFailed     int         `json:"scenes_failed"`
	ScenesSkipped    int         `json:"scenes_skipped"`
	ScenesNotStarted int         `json:"scenes_not_started"`
	SavedImages      []string    `json:"saved_images"`
	SavedMetadata    []string    `json:"saved_metadata"`
	Errors           []string    `json:"errors"`
	Window           *TimeWindow `json:"window,omitempty"`
	Region           *Region     `json:"region,omitempty"`
	ManifestRevision *int        `json:"manifest_revision,omitempty"`
}
