// api/schemas/run.go
package schemas

// Viewport is the emulated page size for a job.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RunRequest is a fully validated browser job. It is immutable once the
// validator produces it; the runner only reads it.
type RunRequest struct {
	// Session names a persisted storage state to seed the browser context
	// from. Empty means an anonymous job.
	Session string

	// TimeoutMs is the job-wide deadline shared across all steps.
	TimeoutMs int

	// Proxy is an optional proxy server URL passed to the browser launch.
	Proxy string

	// BlockResources lists CDP resource types to abort at the network layer
	// (e.g. "image", "media", "font").
	BlockResources []string

	UserAgent string
	Viewport  *Viewport

	// Headers are extra HTTP headers applied to every page request.
	Headers map[string]string

	// Actions is the validated, ordered step list. Never empty.
	Actions []Action
}

// Artifact is one file produced during a job, retrievable via URL.
type Artifact struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// StorageRecord notes a storage state persisted by a saveStorage step.
type StorageRecord struct {
	Session string `json:"session"`
	File    string `json:"file"`
}

// JobOutputs accumulates the three independent, append-only collections a
// job populates while executing.
type JobOutputs struct {
	Artifacts []Artifact      `json:"artifacts"`
	Extracted map[string]any  `json:"extracted"`
	Storage   []StorageRecord `json:"storage"`
}

// NewJobOutputs returns empty, non-nil collections so result encoding never
// emits null where the caller expects [] or {}.
func NewJobOutputs() *JobOutputs {
	return &JobOutputs{
		Artifacts: []Artifact{},
		Extracted: map[string]any{},
		Storage:   []StorageRecord{},
	}
}

// RunResult is the terminal value of a job, success or failure. Logs are the
// ordered, timestamped lines accumulated up to the point the job ended.
type RunResult struct {
	OK     bool     `json:"ok"`
	JobID  string   `json:"jobId"`
	TookMs int64    `json:"tookMs"`
	Logs   []string `json:"logs"`

	// Success only.
	Outputs *JobOutputs `json:"outputs,omitempty"`

	// Failure only.
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"error,omitempty"`
	Details    any    `json:"details,omitempty"`
}
