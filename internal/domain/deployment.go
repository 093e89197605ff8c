package domain

import "time"

// Deployment status values. A deployment moves queued -> building ->
// uploading -> ready, or short-circuits to failed. Terminal states are
// never left; a re-trigger creates a new deployment.
const (
	StatusQueued    = "queued"
	StatusBuilding  = "building"
	StatusUploading = "uploading"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// Source kinds for a deployment's source snapshot.
const (
	SourceGit = "git"
	SourceZip = "zip"
)

// SourceSnapshot is the immutable copy of the project's source
// configuration taken when the deployment was triggered.
type SourceSnapshot struct {
	Type      string
	GitURL    string
	GitBranch string
	GitToken  string
	ZipPath   string
}

// BuildConfig is the immutable copy of the build configuration taken when
// the deployment was triggered.
type BuildConfig struct {
	InstallCommand  string
	BuildCommand    string
	OutputDirectory string
}

// Deployment captures a single build attempt.
type Deployment struct {
	ID             string
	ProjectID      string
	ProjectSlug    string
	Status         string
	SourceSnapshot SourceSnapshot
	BuildConfig    BuildConfig
	ArtifactPath   string
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// DeploymentStatusUpdate captures the mutable fields written on a status
// transition. Nil pointer fields are left untouched.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	ArtifactPath string
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
