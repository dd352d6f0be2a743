// api/schemas/render.go
package schemas

// RenderRequest describes one media composition job: a sequence of remote
// images and an optional audio track composed into a vertical MP4.
type RenderRequest struct {
	Images          []string `json:"images"`
	Audio           string   `json:"audio,omitempty"`
	SecondsPerImage float64  `json:"secondsPerImage,omitempty"`
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
}

// RenderResult is the terminal value of a render job.
type RenderResult struct {
	OK     bool   `json:"ok"`
	JobID  string `json:"jobId"`
	TookMs int64  `json:"tookMs"`

	// Success only.
	Artifact *Artifact `json:"artifact,omitempty"`

	// Failure only.
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"error,omitempty"`
}
