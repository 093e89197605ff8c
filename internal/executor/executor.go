// Package executor runs queued deployments: it materializes the source in
// a locked-down container, streams redacted build output, extracts and
// uploads the result, and republishes the serving route.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/praveen70140/PageForge/internal/artifacts"
	"github.com/praveen70140/PageForge/internal/build"
	"github.com/praveen70140/PageForge/internal/config"
	"github.com/praveen70140/PageForge/internal/docker"
	"github.com/praveen70140/PageForge/internal/domain"
	"github.com/praveen70140/PageForge/internal/logstream"
	"github.com/praveen70140/PageForge/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// ContainerEngine is the container runtime surface the executor drives.
type ContainerEngine interface {
	EnsureImage(ctx context.Context, ref string, onProgress docker.PullProgressCallback) error
	CreateBuildContainer(ctx context.Context, spec docker.BuildSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	WaitForExit(ctx context.Context, containerID string) (int64, error)
	CopyFromContainer(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// ObjectStore reads source archives and publishes build output.
type ObjectStore interface {
	UploadDir(ctx context.Context, deploymentID, localDir string) (int, error)
	Download(ctx context.Context, objectKey, localPath string) error
}

// RoutePublisher republishes the serving route for a domain.
type RoutePublisher interface {
	UpsertRoute(ctx context.Context, domain, deploymentID string) error
}

// LogSink delivers build output and status changes to observers.
type LogSink interface {
	Log(deploymentID, stream, line string)
	System(deploymentID, line string)
	Status(ctx context.Context, deploymentID, status string) error
}

// Executor is the per-job build state machine.
type Executor struct {
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	engine      ContainerEngine
	store       ObjectStore
	routes      RoutePublisher
	sink        LogSink
	logger      *slog.Logger
	cfg         config.WorkerConfig
	now         func() time.Time
}

// New creates an Executor.
func New(
	deployments repository.DeploymentRepository,
	projects repository.ProjectRepository,
	engine ContainerEngine,
	store ObjectStore,
	routes RoutePublisher,
	sink LogSink,
	logger *slog.Logger,
	cfg config.WorkerConfig,
) Executor {
	return Executor{
		deployments: deployments,
		projects:    projects,
		engine:      engine,
		store:       store,
		routes:      routes,
		sink:        sink,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// buildState tracks resources the finalizer must release.
type buildState struct {
	containerID string
	tempDir     string
	redactor    *logstream.Redactor
}

// Execute runs one deployment end to end. Every failure in the pipeline
// funnels through the single failure path here, and cleanup of the
// container and scratch directory is guaranteed regardless of outcome.
func (e Executor) Execute(ctx context.Context, job build.Job) error {
	state := &buildState{redactor: logstream.NewRedactor()}
	err := e.run(ctx, job, state)
	if err != nil {
		e.failDeployment(job.DeploymentID, state.redactor.Redact(err.Error()))
	}
	e.cleanup(job.DeploymentID, state)
	return err
}

func (e Executor) run(ctx context.Context, job build.Job, state *buildState) error {
	deploymentID := job.DeploymentID

	deployment, err := e.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	if _, err := e.projects.GetProjectByID(ctx, deployment.ProjectID); err != nil {
		return fmt.Errorf("project for deployment %s not found", deploymentID)
	}
	// Environment variables are read live from the project at build time,
	// unlike the source and build config which were snapshotted at trigger.
	envVars, err := e.projects.ListProjectEnvVars(ctx, deployment.ProjectID)
	if err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}

	startedAt := e.now().UTC()
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusBuilding,
		StartedAt:    &startedAt,
	}); err != nil {
		return fmt.Errorf("mark deployment building: %w", err)
	}
	if err := e.sink.Status(ctx, deploymentID, domain.StatusBuilding); err != nil {
		e.logger.Warn("publish status failed", "deployment_id", deploymentID, "error", err)
	}
	e.sink.System(deploymentID, "Build started")

	tempDir, err := os.MkdirTemp("", "pageforge-build-"+deploymentID+"-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	state.tempDir = tempDir

	source := deployment.SourceSnapshot
	env := []string{"CI=true", "NODE_ENV=production"}
	for _, v := range envVars {
		env = append(env, v.Key+"="+v.Value)
	}
	if source.GitToken != "" {
		env = append(env, GitTokenEnv+"="+source.GitToken)
		state.redactor = logstream.NewRedactor(source.GitToken)
	}

	script := GenerateBuildScript(source, deployment.BuildConfig, e.cfg.BuildImage)

	e.sink.System(deploymentID, "Using image: "+e.cfg.BuildImage)
	e.sink.System(deploymentID, "Source type: "+source.Type)

	if err := e.engine.EnsureImage(ctx, e.cfg.BuildImage, func(line string) {
		e.sink.System(deploymentID, line)
	}); err != nil {
		return fmt.Errorf("resolve build image %s: %w", e.cfg.BuildImage, err)
	}

	var binds []string
	if source.Type == domain.SourceZip && source.ZipPath != "" {
		e.sink.System(deploymentID, "Downloading source ZIP from storage...")
		zipLocal := filepath.Join(tempDir, "source.zip")
		if err := e.store.Download(ctx, source.ZipPath, zipLocal); err != nil {
			return fmt.Errorf("download source archive: %w", err)
		}
		binds = append(binds, zipLocal+":"+ZipMountPath+":ro")
	}

	if e.cfg.GVisorEnabled {
		e.sink.System(deploymentID, "Using gVisor runtime for isolation")
	}

	e.sink.System(deploymentID, "Creating build container...")
	containerID, err := e.engine.CreateBuildContainer(ctx, docker.BuildSpec{
		Name:       "pageforge-build-" + deploymentID,
		Image:      e.cfg.BuildImage,
		Cmd:        []string{"sh", "-c", script},
		Env:        env,
		WorkingDir: WorkDir,
		Memory:     e.cfg.BuildMemory,
		NanoCPUs:   e.cfg.BuildNanoCPUs,
		Binds:      binds,
		UseGVisor:  e.cfg.GVisorEnabled,
	})
	if err != nil {
		return fmt.Errorf("create build container: %w", err)
	}
	state.containerID = containerID

	if err := e.engine.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start build container: %w", err)
	}
	e.sink.System(deploymentID, "Container started: "+shortID(containerID))

	logReader, err := e.engine.ContainerLogs(ctx, containerID)
	if err != nil {
		return fmt.Errorf("attach to container logs: %w", err)
	}
	// Lines flow to the sink while the container is still running; the
	// redactor sees every line before it leaves the process.
	demuxer := logstream.NewDemuxer(func(stream, line string) {
		e.sink.Log(deploymentID, stream, state.redactor.Redact(line))
	})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		defer logReader.Close()
		if _, err := io.Copy(demuxer, logReader); err != nil {
			e.logger.Warn("container log stream ended with error", "deployment_id", deploymentID, "error", err)
		}
		demuxer.Flush()
	}()

	exitCode, err := e.engine.WaitForExit(ctx, containerID)
	<-streamDone
	if err != nil {
		return fmt.Errorf("wait for build container: %w", err)
	}
	e.sink.System(deploymentID, fmt.Sprintf("Build process exited with code %d", exitCode))
	if exitCode != 0 {
		return fmt.Errorf("build failed with exit code %d", exitCode)
	}

	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusUploading,
	}); err != nil {
		return fmt.Errorf("mark deployment uploading: %w", err)
	}
	if err := e.sink.Status(ctx, deploymentID, domain.StatusUploading); err != nil {
		e.logger.Warn("publish status failed", "deployment_id", deploymentID, "error", err)
	}
	e.sink.System(deploymentID, "Extracting build artifacts...")

	outputPath := filepath.Join(tempDir, "output")
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := e.extractOutput(ctx, containerID, deployment.BuildConfig.OutputDirectory, outputPath); err != nil {
		return err
	}

	e.sink.System(deploymentID, "Uploading artifacts to storage...")
	fileCount, err := e.store.UploadDir(ctx, deploymentID, outputPath)
	if err != nil {
		return fmt.Errorf("upload artifacts: %w", err)
	}
	e.sink.System(deploymentID, fmt.Sprintf("Uploaded %d files", fileCount))

	completedAt := e.now().UTC()
	artifactPath := build.ArtifactPrefix(deploymentID)
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusReady,
		ArtifactPath: artifactPath,
		CompletedAt:  &completedAt,
	}); err != nil {
		return fmt.Errorf("mark deployment ready: %w", err)
	}
	if err := e.sink.Status(ctx, deploymentID, domain.StatusReady); err != nil {
		e.logger.Warn("publish status failed", "deployment_id", deploymentID, "error", err)
	}
	e.sink.System(deploymentID, "Deployment is live!")

	// The build already succeeded; a route failure is a warning, not a
	// reason to fail the deployment. Re-verifying the domain retries it.
	routeDomain := job.ProjectSlug + "." + e.cfg.BaseDomain
	if err := e.routes.UpsertRoute(ctx, routeDomain, deploymentID); err != nil {
		e.logger.Warn("route update failed", "deployment_id", deploymentID, "domain", routeDomain, "error", err)
	}

	return nil
}

// extractOutput pulls the configured output directory from the container,
// trying the cloned-source layout first and the bare working directory
// second.
func (e Executor) extractOutput(ctx context.Context, containerID, outputDir, dest string) error {
	candidates := []string{
		path.Join(WorkDir, "app", outputDir),
		path.Join(WorkDir, outputDir),
	}
	for _, candidate := range candidates {
		reader, err := e.engine.CopyFromContainer(ctx, containerID, candidate)
		if err != nil {
			continue
		}
		err = artifacts.ExtractArchive(reader, dest)
		reader.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", candidate, err)
		}
		return nil
	}
	return fmt.Errorf(
		"could not find output directory %q in the container; ensure your build command produces output in the configured directory",
		outputDir,
	)
}

// failDeployment records the single terminal failure transition.
func (e Executor) failDeployment(deploymentID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	e.logger.Error("build failed", "deployment_id", deploymentID, "error", message)
	e.sink.Log(deploymentID, domain.StreamStderr, "ERROR: "+message)
	if err := e.sink.Status(ctx, deploymentID, domain.StatusFailed); err != nil {
		e.logger.Warn("publish status failed", "deployment_id", deploymentID, "error", err)
	}

	completedAt := e.now().UTC()
	if err := e.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusFailed,
		Error:        message,
		CompletedAt:  &completedAt,
	}); err != nil {
		e.logger.Error("record failure failed", "deployment_id", deploymentID, "error", err)
	}
}

// cleanup force-removes the container and deletes the scratch directory.
// Errors are logged; nothing escapes the finalizer.
func (e Executor) cleanup(deploymentID string, state *buildState) {
	if state.containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := e.engine.RemoveContainer(ctx, state.containerID); err != nil {
			e.logger.Warn("container cleanup failed", "deployment_id", deploymentID, "container_id", state.containerID, "error", err)
		}
		cancel()
	}
	if state.tempDir != "" {
		if err := os.RemoveAll(state.tempDir); err != nil {
			e.logger.Warn("scratch directory cleanup failed", "deployment_id", deploymentID, "dir", state.tempDir, "error", err)
		}
	}
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}
