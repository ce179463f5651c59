// Package api contains the JSON documents printed by the CLI's --json mode.
// Field names are stable so scripts can consume them.
package api

import "time"

// RenderResult is printed once a render job finishes, whatever its state.
type RenderResult struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"`
	OutputPath string `json:"output_path,omitempty"`
	Resolution string `json:"resolution"`
	FrameRate  int    `json:"frame_rate"`
	// DurationMS is the wall time of the render.
	DurationMS int64          `json:"duration_ms"`
	ExitCode   int            `json:"exit_code"`
	Error      *ErrorResponse `json:"error,omitempty"`
}

// EnvironmentStatus describes the persisted environment record and whether it
// still validates.
type EnvironmentStatus struct {
	RecordPath     string     `json:"record_path"`
	Present        bool       `json:"present"`
	Valid          bool       `json:"valid"`
	Source         string     `json:"source,omitempty"`
	Root           string     `json:"root,omitempty"`
	Executable     string     `json:"executable,omitempty"`
	EngineVersion  string     `json:"engine_version,omitempty"`
	RuntimeVersion string     `json:"runtime_version,omitempty"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty"`
	// Problem explains why the record is absent or no longer valid.
	Problem string `json:"problem,omitempty"`
}

// SetupResult is printed by the setup command.
type SetupResult struct {
	EnvironmentStatus
	Provisioned bool `json:"provisioned"`
}

// ProgressEvent is one line of engine output in --json mode, written as
// JSON lines to stderr while the render runs.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Animation *int      `json:"animation,omitempty"`
	Percent   *int      `json:"percent,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}
