// internal/provision/compose/engine.go
package compose

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/hosting"
)

// Compose stamps these labels on every container it starts.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// Container is the part of a container listing the provisioner needs.
type Container struct {
	ID    string
	Name  string
	State string
}

func (c Container) Running() bool { return c.State == "running" }

// Engine is the slice of the Docker Engine API used to drive a compose project.
type Engine interface {
	Containers(ctx context.Context, project, service string) ([]Container, error)
	Restart(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string) (command.Result, error)
}

// DockerEngine talks to the daemon through the official SDK.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects using DOCKER_HOST and friends; host overrides them.
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Containers(ctx context.Context, project, service string) ([]Container, error) {
	args := filters.NewArgs(
		filters.Arg("label", LabelProject+"="+project),
		filters.Arg("label", LabelService+"="+service),
	)
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, hosting.Step("docker container list", "", fmt.Errorf("%w: %v", hosting.ErrRemoteCommandFailed, err))
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{ID: c.ID, Name: name, State: c.State})
	}
	return out, nil
}

func (d *DockerEngine) Restart(ctx context.Context, id string) error {
	timeout := 10
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", id, hosting.ErrNotFound)
		}
		return hosting.Step("docker restart "+id, "", fmt.Errorf("%w: %v", hosting.ErrRemoteCommandFailed, err))
	}
	return nil
}

// Exec runs cmd inside the container and collects both streams. A non-zero
// exit is reported as *command.ExitError like any other runner.
func (d *DockerEngine) Exec(ctx context.Context, id string, cmd []string) (command.Result, error) {
	line := strings.Join(cmd, " ")
	start := time.Now()
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return command.Result{ExitCode: -1}, hosting.Step(line, "", fmt.Errorf("%w: %v", hosting.ErrRemoteCommandFailed, err))
	}
	att, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return command.Result{ExitCode: -1}, hosting.Step(line, "", fmt.Errorf("%w: %v", hosting.ErrRemoteCommandFailed, err))
	}
	defer att.Close()
	// A hijacked stream ignores ctx; closing it unblocks the copy.
	stop := context.AfterFunc(ctx, att.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, att.Reader); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return command.Result{ExitCode: -1}, hosting.Step(line, "", fmt.Errorf("%w: read exec output: %v", hosting.ErrRemoteCommandFailed, err))
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return command.Result{ExitCode: -1}, hosting.Step(line, "", fmt.Errorf("%w: %v", hosting.ErrRemoteCommandFailed, err))
	}
	res := command.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}
	if res.ExitCode != 0 {
		return res, &command.ExitError{Command: line, Result: res}
	}
	return res, nil
}

func (d *DockerEngine) Close() error {
	return d.cli.Close()
}
