package pipeline

import (
	"time"

	"github.com/schaermu/packdeploy/internal/diff"
	"github.com/schaermu/packdeploy/internal/remote"
	"github.com/schaermu/packdeploy/internal/rules"
)

// Status tracks how far a release has progressed
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPrepared Status = "prepared"
	StatusDeployed Status = "deployed"
)

// Release is the unit being prepared and deployed. The pipeline fills in
// the path fields as stages complete.
type Release struct {
	ID                 string `json:"id"`
	SourceLocator      string `json:"source_locator"`
	ExtractedPath      string `json:"extracted_path,omitempty"`
	RemoteSnapshotPath string `json:"remote_snapshot_path,omitempty"`
	PreparedPath       string `json:"prepared_path,omitempty"`
	Status             Status `json:"status"`
}

// Stage names a completed pipeline step
type Stage string

const (
	StageStaged   Stage = "staged"
	StageSnapshot Stage = "snapshot"
	StagePrepared Stage = "prepared"
	StageDiffed   Stage = "diffed"
	StageUploaded Stage = "uploaded"
	StagePruned   Stage = "pruned"
)

// Event records a completed stage so callers can audit it after the fact
type Event struct {
	Stage Stage     `json:"stage"`
	Path  string    `json:"path,omitempty"`
	At    time.Time `json:"at"`
}

// Report is the externally visible result of a pipeline run
type Report struct {
	Release      string              `json:"release"`
	Target       string              `json:"target"`
	Status       Status              `json:"status"`
	Summary      diff.Summary        `json:"summary"`
	Changes      []diff.FileChange   `json:"changes"`
	SkipPatterns []string            `json:"skip_patterns"`
	Applied      []rules.AppliedRule `json:"applied_rules"`
	Download     *remote.Stats       `json:"download,omitempty"`
	Upload       *remote.Stats       `json:"upload,omitempty"`
	Prune        *remote.Stats       `json:"prune,omitempty"`
	Events       []Event             `json:"events"`
}
