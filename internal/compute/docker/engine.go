package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// containerSpec is what the backend needs to start one container.
type containerSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	Labels   map[string]string
	MemoryMB int
	Network  string
}

// containerInfo is a managed container as seen by the reaper.
type containerInfo struct {
	ID       string
	Labels   map[string]string
	State    string
	ExitCode int
}

// engine is the slice of the Docker API the backend uses.
type engine interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error
	Start(ctx context.Context, spec containerSpec) (string, error)
	Wait(ctx context.Context, id string) (int, error)
	Stdout(ctx context.Context, id string) ([]byte, error)
	List(ctx context.Context, labels map[string]string) ([]containerInfo, error)
	Remove(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
	Close() error
}

// dockerEngine implements engine over the Docker daemon.
type dockerEngine struct {
	client *client.Client
}

func newDockerEngine() (*dockerEngine, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerEngine{client: c}, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, err := e.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) Start(ctx context.Context, spec containerSpec) (string, error) {
	containerConfig := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: int64(spec.MemoryMB) * 1024 * 1024,
		},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Stdout returns everything the container wrote to stdout.
func (e *dockerEngine) Stdout(ctx context.Context, id string) ([]byte, error) {
	logs, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return nil, err
	}
	defer logs.Close()
	return demuxStdout(logs)
}

// demuxStdout reads a multiplexed log stream and keeps the stdout frames.
func demuxStdout(r io.Reader) ([]byte, error) {
	var out []byte
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return out, err
		}
		if header[0] == 1 {
			out = append(out, frame...)
		}
	}
}

func (e *dockerEngine) List(ctx context.Context, labels map[string]string) ([]containerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]containerInfo, 0, len(containers))
	for _, c := range containers {
		info := containerInfo{ID: c.ID, Labels: c.Labels, State: string(c.State)}
		if info.State == "exited" || info.State == "dead" {
			if inspect, err := e.client.ContainerInspect(ctx, c.ID); err == nil && inspect.State != nil {
				info.ExitCode = inspect.State.ExitCode
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) RemoveImage(ctx context.Context, ref string) error {
	_, err := e.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
	return err
}

func (e *dockerEngine) Close() error {
	return e.client.Close()
}
