package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"pipelines/internal/workflow"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "pipeline-service"

	workspaceMount = "/workspace"
	metaMount      = "/pipeline"
	stepFile       = "step"

	removeTimeout = 30 * time.Second
)

var containerNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Docker runs each instance in a container of the instance image. Steps run
// as one set -e script with the workspace bind-mounted at /workspace.
type Docker struct {
	client     *client.Client
	extraHosts []string
	network    string
}

// DockerConfig holds configuration for the Docker executor.
type DockerConfig struct {
	ExtraHosts  []string // Extra /etc/hosts entries for containers
	NetworkMode string   // Container network (default bridge)
}

// NewDocker creates a Docker executor using the environment's Docker settings
// and removes containers left behind by a previous process.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	d := &Docker{
		client:     dockerClient,
		extraHosts: cfg.ExtraHosts,
		network:    cfg.NetworkMode,
	}
	if err := d.removeOrphans(ctx); err != nil {
		slog.Warn("Failed to remove orphaned containers", "component", "executor", "error", err)
	}
	return d, nil
}

// removeOrphans deletes containers of runs that did not survive a restart.
func (d *Docker) removeOrphans(ctx context.Context) error {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		d.removeContainer(ctx, c.ID)
	}
	if len(containers) > 0 {
		slog.Info("Removed orphaned containers", "component", "executor", "count", len(containers))
	}
	return nil
}

// Run pulls the image if needed, runs the steps in a fresh container, streams
// demultiplexed output to out and removes the container.
func (d *Docker) Run(ctx context.Context, spec *Spec, out io.Writer) (*Outcome, error) {
	if spec.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if spec.Image == "" {
		return nil, errors.New("docker executor requires an image")
	}
	logger := slog.With("component", "executor", "runId", spec.RunID, "instance", spec.Instance, "image", spec.Image)

	if err := d.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	start := time.Now()
	containerID, err := d.createContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		d.removeContainer(cleanupCtx, containerID)
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Debug("Container started", "containerId", containerID)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.streamLogs(ctx, logger, containerID, out)
	}()

	exitCode, err := d.waitForExit(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	}
	<-logsDone

	if exitCode == 0 {
		return &Outcome{Duration: time.Since(start)}, nil
	}
	if len(spec.Steps) == 0 {
		return &Outcome{ExitCode: exitCode, Failure: FailureCommand, Duration: time.Since(start)},
			&ExitError{Code: exitCode, Failure: FailureCommand}
	}
	i := d.failedStep(spec)
	return exitOutcome(exitCode, i, spec.Steps[i], start)
}

// Ready checks if the Docker daemon is reachable and responsive.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// script renders the steps as one shell script. Before each step the step
// index is recorded so a failure can be attributed.
func script(steps []workflow.Step) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "echo %d > %s/%s\n", i, metaMount, stepFile)
		fmt.Fprintf(&b, "echo %s\n", shellQuote("==> "+stepName(i, s)))
		b.WriteString(s.Run)
		b.WriteString("\n")
	}
	return b.String()
}

// failedStep reads the index recorded by the script, defaulting to the first step.
func (d *Docker) failedStep(spec *Spec) int {
	data, err := os.ReadFile(filepath.Join(spec.Workspace.MetaDir, stepFile))
	if err != nil {
		return 0
	}
	i, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || i < 0 || i >= len(spec.Steps) {
		return 0
	}
	return i
}

func (d *Docker) createContainer(ctx context.Context, spec *Spec) (string, error) {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"/bin/sh", "-c", script(spec.Steps)},
		Env:        env,
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			"pipeline.run":      spec.RunID,
			"pipeline.job":      spec.Job,
			"pipeline.instance": spec.Instance,
			managedByLabel:      managedByValue,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.Workspace.Dir, Target: workspaceMount},
			{Type: mount.TypeBind, Source: spec.Workspace.MetaDir, Target: metaMount},
		},
		ExtraHosts:  d.extraHosts,
		NetworkMode: container.NetworkMode(d.network),
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(spec))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func containerName(spec *Spec) string {
	name := containerNameUnsafe.ReplaceAllString(spec.Instance, "-")
	name = strings.Trim(name, "-.")
	return fmt.Sprintf("pipeline-%s-%s", spec.RunID, name)
}

func (d *Docker) streamLogs(ctx context.Context, logger *slog.Logger, containerID string, out io.Writer) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(out, out, logs); err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

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

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Executor = (*Docker)(nil)
