package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/praveen70140/PageForge/internal/domain"
	"github.com/praveen70140/PageForge/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
)

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, slug, name, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectEnvVars fetches the current environment variables for a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	const query = `SELECT project_id, key, value FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []domain.EnvVar
	for rows.Next() {
		var v domain.EnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, project_slug, status,
			source_type, git_url, git_branch, git_token, zip_path,
			install_command, build_command, output_directory,
			artifact_path, error, started_at, completed_at, created_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&d.ID, &d.ProjectID, &d.ProjectSlug, &d.Status,
		&d.SourceSnapshot.Type, &d.SourceSnapshot.GitURL, &d.SourceSnapshot.GitBranch,
		&d.SourceSnapshot.GitToken, &d.SourceSnapshot.ZipPath,
		&d.BuildConfig.InstallCommand, &d.BuildConfig.BuildCommand, &d.BuildConfig.OutputDirectory,
		&d.ArtifactPath, &d.Error, &startedAt, &completedAt, &d.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if startedAt.Valid {
		value := startedAt.Time
		d.StartedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

// UpdateDeploymentStatus writes a status transition. Empty string fields and
// nil timestamps leave the stored value untouched.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			artifact_path = COALESCE($3, artifact_path),
			error = COALESCE($4, error),
			started_at = COALESCE($5, started_at),
			completed_at = COALESCE($6, completed_at)
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(update.Status),
		emptyToNil(update.ArtifactPath),
		emptyToNil(update.Error),
		update.StartedAt,
		update.CompletedAt,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendLog persists a build log line.
func (r *Repository) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	const query = `INSERT INTO deployment_logs (deployment_id, ts, stream, line)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, entry.DeploymentID, entry.Timestamp, entry.Stream, entry.Line)
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
