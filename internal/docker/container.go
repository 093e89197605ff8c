package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// BuildSpec describes the locked-down sandbox a build runs in.
type BuildSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Memory     int64
	NanoCPUs   int64
	Binds      []string
	UseGVisor  bool
}

// PullProgressCallback is invoked with incremental image pull messages.
type PullProgressCallback func(string)

// EnsureImage makes the image available locally, pulling it when the local
// inspect misses. Pull progress lines are forwarded to onProgress.
func (c *Client) EnsureImage(ctx context.Context, ref string, onProgress PullProgressCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	if onProgress != nil {
		onProgress(fmt.Sprintf("Pulling image %s...", ref))
	}
	resp, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer resp.Close()

	decoder := json.NewDecoder(resp)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("pull image %s: %s", ref, errMsg)
		}
		if line := msg.render(); line != "" && onProgress != nil {
			onProgress(line)
		}
	}
	if onProgress != nil {
		onProgress(fmt.Sprintf("Image %s pulled successfully", ref))
	}
	return nil
}

// CreateBuildContainer creates a stopped build sandbox: resource ceilings,
// no elevated privileges, bridge networking (clone and install steps need
// outbound network), and optionally the gVisor runtime.
func (c *Client) CreateBuildContainer(ctx context.Context, spec BuildSpec) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
		Privileged:  false,
		NetworkMode: "bridge",
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		Binds:       spec.Binds,
	}
	if spec.UseGVisor {
		hostCfg.Runtime = "runsc"
	}

	resp, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// ContainerLogs attaches to the container's combined multiplexed output
// stream, following it until the container exits.
func (c *Client) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	return reader, nil
}

// WaitForExit blocks until the container stops and returns the exit code.
func (c *Client) WaitForExit(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("wait for container exit: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// CopyFromContainer retrieves an absolute in-container path as a tar
// archive stream. A missing path surfaces as ErrNotFound so callers can
// retry an alternate path convention.
func (c *Client) CopyFromContainer(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	reader, _, err := c.inner.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	return reader, nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

type streamMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	ProgressDetail progressDetail        `json:"progressDetail"`
	Error          string                `json:"error"`
	ErrorDetail    streamMessageErrorDet `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type streamMessageErrorDet struct {
	Message string `json:"message"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	progress := strings.TrimSpace(m.Progress)
	if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
		if m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		} else {
			progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
		}
	}
	if progress != "" {
		parts = append(parts, progress)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
