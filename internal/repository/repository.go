package repository

import (
	"context"

	"github.com/praveen70140/PageForge/internal/domain"
)

// ProjectRepository reads project configuration.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error)
}

// DeploymentRepository stores deployment state. The worker never creates or
// deletes deployments; it only reads them and writes status transitions.
type DeploymentRepository interface {
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
}

// LogRepository appends build log lines.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.LogEntry) error
}
