package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/praveen70140/PageForge/internal/build"
	"github.com/praveen70140/PageForge/internal/config"
	"github.com/praveen70140/PageForge/internal/docker"
	"github.com/praveen70140/PageForge/internal/domain"
)

func dockerFrame(streamTag byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamTag
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func outputTar(t *testing.T, root string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: root + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		hdr := &tar.Header{Name: root + "/" + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeEngine struct {
	exitCode     int64
	logFrames    []byte
	outputTar    []byte
	copyMissing  map[string]bool
	copiedPaths  []string
	createdSpecs []docker.BuildSpec
	removed      []string
	createErr    error
	startErr     error
}

func (f *fakeEngine) EnsureImage(_ context.Context, _ string, _ docker.PullProgressCallback) error {
	return nil
}

func (f *fakeEngine) CreateBuildContainer(_ context.Context, spec docker.BuildSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdSpecs = append(f.createdSpecs, spec)
	return "abcdef1234567890deadbeef", nil
}

func (f *fakeEngine) StartContainer(_ context.Context, _ string) error {
	return f.startErr
}

func (f *fakeEngine) ContainerLogs(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logFrames)), nil
}

func (f *fakeEngine) WaitForExit(_ context.Context, _ string) (int64, error) {
	return f.exitCode, nil
}

func (f *fakeEngine) CopyFromContainer(_ context.Context, _, path string) (io.ReadCloser, error) {
	f.copiedPaths = append(f.copiedPaths, path)
	if f.copyMissing[path] {
		return nil, fmt.Errorf("copy %s: %w", path, docker.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(f.outputTar)), nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

type fakeStore struct {
	uploadedFiles []string
	uploadErr     error
	downloads     []string
	downloadErr   error
}

func (f *fakeStore) UploadDir(_ context.Context, _, localDir string) (int, error) {
	if f.uploadErr != nil {
		return 0, f.uploadErr
	}
	count := 0
	filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(localDir, path)
		f.uploadedFiles = append(f.uploadedFiles, filepath.ToSlash(rel))
		count++
		return nil
	})
	return count, nil
}

func (f *fakeStore) Download(_ context.Context, objectKey, localPath string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	f.downloads = append(f.downloads, objectKey)
	_ = localPath
	return nil
}

type fakeRoutes struct {
	domains []string
	err     error
}

func (f *fakeRoutes) UpsertRoute(_ context.Context, domain, _ string) error {
	f.domains = append(f.domains, domain)
	return f.err
}

type sinkLine struct {
	stream string
	line   string
}

type fakeSink struct {
	mu       sync.Mutex
	lines    []sinkLine
	statuses []string
}

func (f *fakeSink) Log(_, stream, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, sinkLine{stream: stream, line: line})
}

func (f *fakeSink) System(_, line string) {
	f.Log("", domain.StreamSystem, line)
}

func (f *fakeSink) Status(_ context.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeSink) allLines() []sinkLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkLine(nil), f.lines...)
}

func (f *fakeSink) hasSystemLine(line string) bool {
	for _, l := range f.allLines() {
		if l.stream == domain.StreamSystem && l.line == line {
			return true
		}
	}
	return false
}

type fakeDeployments struct {
	deployment *domain.Deployment
	getErr     error
	updates    []domain.DeploymentStatusUpdate
}

func (f *fakeDeployments) GetDeploymentByID(_ context.Context, _ string) (*domain.Deployment, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.deployment, nil
}

func (f *fakeDeployments) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeDeployments) lastUpdate() domain.DeploymentStatusUpdate {
	return f.updates[len(f.updates)-1]
}

type fakeProjects struct {
	project *domain.Project
	envVars []domain.EnvVar
}

func (f *fakeProjects) GetProjectByID(_ context.Context, _ string) (*domain.Project, error) {
	return f.project, nil
}

func (f *fakeProjects) ListProjectEnvVars(_ context.Context, _ string) ([]domain.EnvVar, error) {
	return f.envVars, nil
}

type fixture struct {
	executor    Executor
	engine      *fakeEngine
	store       *fakeStore
	routes      *fakeRoutes
	sink        *fakeSink
	deployments *fakeDeployments
}

func gitDeployment() *domain.Deployment {
	return &domain.Deployment{
		ID:        "dep-1",
		ProjectID: "proj-1",
		Status:    domain.StatusQueued,
		SourceSnapshot: domain.SourceSnapshot{
			Type:   domain.SourceGit,
			GitURL: "https://github.com/acme/site.git",
		},
		BuildConfig: domain.BuildConfig{
			InstallCommand:  "npm install",
			BuildCommand:    "npm run build",
			OutputDirectory: "dist",
		},
	}
}

func newFixture(t *testing.T, deployment *domain.Deployment) *fixture {
	t.Helper()
	engine := &fakeEngine{
		logFrames: dockerFrame(1, "compiling...\n"),
		outputTar: outputTar(t, "dist", map[string]string{"index.html": "<html></html>"}),
	}
	store := &fakeStore{}
	routes := &fakeRoutes{}
	sink := &fakeSink{}
	deployments := &fakeDeployments{deployment: deployment}
	projects := &fakeProjects{project: &domain.Project{ID: "proj-1", Slug: "acme-site"}}

	cfg := config.WorkerConfig{
		BuildImage:    "node:20-alpine",
		BuildMemory:   512 * 1024 * 1024,
		BuildNanoCPUs: 1_000_000_000,
		BaseDomain:    "pageforge.local",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(deployments, projects, engine, store, routes, sink, logger, cfg)

	return &fixture{
		executor:    exec,
		engine:      engine,
		store:       store,
		routes:      routes,
		sink:        sink,
		deployments: deployments,
	}
}

func job() build.Job {
	return build.Job{DeploymentID: "dep-1", ProjectSlug: "acme-site"}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, gitDeployment())

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantStatuses := []string{domain.StatusBuilding, domain.StatusUploading, domain.StatusReady}
	if len(f.sink.statuses) != len(wantStatuses) {
		t.Fatalf("statuses = %v, want %v", f.sink.statuses, wantStatuses)
	}
	for i, s := range wantStatuses {
		if f.sink.statuses[i] != s {
			t.Fatalf("statuses = %v, want %v", f.sink.statuses, wantStatuses)
		}
	}

	last := f.deployments.lastUpdate()
	if last.Status != domain.StatusReady {
		t.Fatalf("final status = %q, want ready", last.Status)
	}
	if last.ArtifactPath != "artifacts/dep-1" {
		t.Fatalf("artifact path = %q", last.ArtifactPath)
	}
	if last.Error != "" {
		t.Fatalf("unexpected error on success: %q", last.Error)
	}
	if last.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	first := f.deployments.updates[0]
	if first.StartedAt == nil {
		t.Fatal("started_at not set on building transition")
	}
	if last.CompletedAt.Before(*first.StartedAt) {
		t.Fatal("completed_at precedes started_at")
	}

	if len(f.store.uploadedFiles) != 1 || f.store.uploadedFiles[0] != "index.html" {
		t.Fatalf("uploaded files = %v", f.store.uploadedFiles)
	}
	if !f.sink.hasSystemLine("Uploaded 1 files") {
		t.Fatal("missing upload count line")
	}
	if !f.sink.hasSystemLine("Deployment is live!") {
		t.Fatal("missing live announcement")
	}
	if !f.sink.hasSystemLine("Container started: abcdef123456") {
		t.Fatal("container id should be announced truncated to 12 characters")
	}

	if len(f.routes.domains) != 1 || f.routes.domains[0] != "acme-site.pageforge.local" {
		t.Fatalf("route domains = %v", f.routes.domains)
	}
	if len(f.engine.removed) != 1 {
		t.Fatalf("container removed %d times, want 1", len(f.engine.removed))
	}
}

func TestExecuteBuildExitNonzero(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.engine.exitCode = 127
	f.engine.logFrames = dockerFrame(1, "ERROR: 'npm' is not available in this build image (node:20-alpine).\n")

	err := f.executor.Execute(context.Background(), job())
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}

	foundDiagnostic := false
	for _, l := range f.sink.allLines() {
		if strings.Contains(l.line, "'npm' is not available") {
			foundDiagnostic = true
		}
	}
	if !foundDiagnostic {
		t.Fatal("container diagnostic output should reach the log trail")
	}

	last := f.deployments.lastUpdate()
	if last.Status != domain.StatusFailed {
		t.Fatalf("final status = %q, want failed", last.Status)
	}
	if !strings.Contains(last.Error, "exit code 127") {
		t.Fatalf("error = %q, want exit code in message", last.Error)
	}
	if last.CompletedAt == nil {
		t.Fatal("completed_at not set on failure")
	}

	foundStderr := false
	for _, l := range f.sink.allLines() {
		if l.stream == domain.StreamStderr && strings.HasPrefix(l.line, "ERROR: ") {
			foundStderr = true
		}
	}
	if !foundStderr {
		t.Fatal("failure should emit an ERROR line on stderr")
	}
	if f.sink.statuses[len(f.sink.statuses)-1] != domain.StatusFailed {
		t.Fatal("failed status not published")
	}
	if len(f.engine.removed) != 1 {
		t.Fatalf("container removed %d times, want 1", len(f.engine.removed))
	}
	if len(f.store.uploadedFiles) != 0 {
		t.Fatal("nothing should be uploaded after a failed build")
	}
}

func TestExecuteRedactsTokenFromLogs(t *testing.T) {
	token := "ghp_veryprivate789"
	deployment := gitDeployment()
	deployment.SourceSnapshot.GitToken = token
	f := newFixture(t, deployment)
	f.engine.logFrames = append(
		dockerFrame(1, "cloning with "+token+"\n"),
		dockerFrame(2, "warn: "+token+" rejected\n")...,
	)

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	redacted := 0
	for _, l := range f.sink.allLines() {
		if strings.Contains(l.line, token) {
			t.Fatalf("token leaked into log line %q", l.line)
		}
		if strings.Contains(l.line, "[REDACTED]") {
			redacted++
		}
	}
	if redacted != 2 {
		t.Fatalf("redacted %d lines, want 2", redacted)
	}

	spec := f.engine.createdSpecs[0]
	found := false
	for _, env := range spec.Env {
		if env == GitTokenEnv+"="+token {
			found = true
		}
	}
	if !found {
		t.Fatal("token must reach the container via its environment")
	}
	for _, arg := range spec.Cmd {
		if strings.Contains(arg, token) {
			t.Fatal("token must not appear in the container command")
		}
	}
}

func TestExecuteExtractionFallback(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.engine.copyMissing = map[string]bool{"/build/app/dist": true}

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantPaths := []string{"/build/app/dist", "/build/dist"}
	if len(f.engine.copiedPaths) != 2 || f.engine.copiedPaths[0] != wantPaths[0] || f.engine.copiedPaths[1] != wantPaths[1] {
		t.Fatalf("copied paths = %v, want %v", f.engine.copiedPaths, wantPaths)
	}
	if f.deployments.lastUpdate().Status != domain.StatusReady {
		t.Fatal("fallback extraction should still complete the deployment")
	}
}

func TestExecuteExtractionMissingEverywhere(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.engine.copyMissing = map[string]bool{
		"/build/app/dist": true,
		"/build/dist":     true,
	}

	err := f.executor.Execute(context.Background(), job())
	if err == nil {
		t.Fatal("expected error when output directory is missing")
	}
	last := f.deployments.lastUpdate()
	if last.Status != domain.StatusFailed {
		t.Fatalf("final status = %q, want failed", last.Status)
	}
	if !strings.Contains(last.Error, `"dist"`) {
		t.Fatalf("error should name the output directory: %q", last.Error)
	}
}

func TestExecuteRouteFailureDoesNotFailDeployment(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.routes.err = errors.New("admin api unreachable")

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.deployments.lastUpdate().Status != domain.StatusReady {
		t.Fatal("route failure must not fail an already-built deployment")
	}
}

func TestExecuteZipSource(t *testing.T) {
	deployment := gitDeployment()
	deployment.SourceSnapshot = domain.SourceSnapshot{
		Type:    domain.SourceZip,
		ZipPath: "sources/dep-1.zip",
	}
	f := newFixture(t, deployment)

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(f.store.downloads) != 1 || f.store.downloads[0] != "sources/dep-1.zip" {
		t.Fatalf("downloads = %v", f.store.downloads)
	}
	if !f.sink.hasSystemLine("Downloading source ZIP from storage...") {
		t.Fatal("missing download announcement")
	}

	spec := f.engine.createdSpecs[0]
	if len(spec.Binds) != 1 {
		t.Fatalf("binds = %v, want one zip mount", spec.Binds)
	}
	if !strings.HasSuffix(spec.Binds[0], ":"+ZipMountPath+":ro") {
		t.Fatalf("zip must be mounted read-only at %s, got %q", ZipMountPath, spec.Binds[0])
	}
}

func TestExecuteProjectEnvVarsReachContainer(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.executor.projects = &fakeProjects{
		project: &domain.Project{ID: "proj-1", Slug: "acme-site"},
		envVars: []domain.EnvVar{{Key: "API_URL", Value: "https://api.example.com"}},
	}

	if err := f.executor.Execute(context.Background(), job()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	spec := f.engine.createdSpecs[0]
	want := map[string]bool{
		"CI=true":                         false,
		"NODE_ENV=production":             false,
		"API_URL=https://api.example.com": false,
	}
	for _, env := range spec.Env {
		if _, ok := want[env]; ok {
			want[env] = true
		}
	}
	for env, seen := range want {
		if !seen {
			t.Errorf("missing container env %q", env)
		}
	}
}

func TestExecuteDeploymentNotFound(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.deployments.getErr = errors.New("no rows")

	err := f.executor.Execute(context.Background(), job())
	if err == nil {
		t.Fatal("expected error for unknown deployment")
	}
	// The failure is still recorded so the row never sticks in queued.
	if f.deployments.lastUpdate().Status != domain.StatusFailed {
		t.Fatal("unknown deployment should still record a failed transition")
	}
	if len(f.engine.removed) != 0 {
		t.Fatal("no container was created, none should be removed")
	}
}

func TestExecuteUploadFailure(t *testing.T) {
	f := newFixture(t, gitDeployment())
	f.store.uploadErr = errors.New("bucket unavailable")

	err := f.executor.Execute(context.Background(), job())
	if err == nil {
		t.Fatal("expected upload error to fail the deployment")
	}
	last := f.deployments.lastUpdate()
	if last.Status != domain.StatusFailed {
		t.Fatalf("final status = %q, want failed", last.Status)
	}
	if !strings.Contains(last.Error, "upload artifacts") {
		t.Fatalf("error = %q", last.Error)
	}
	if len(f.routes.domains) != 0 {
		t.Fatal("route must not be published for a failed deployment")
	}
}
