// Package executor implements C5: running a participant's problem or
// indicator image as a single-shot container, feeding it the evaluation
// input over stdin, and parsing its last line of stdout as the result. It
// mirrors opthub_runner_admin.lib.docker_executor from the original
// implementation, rebuilt on github.com/docker/docker/client the way the
// teacher's pkg/discovery/docker wraps the same client.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/opthub-org/opthub-runner/pkg/log"
	"github.com/opthub-org/opthub-runner/pkg/numeric"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
)

// Spec describes a single container run.
type Spec struct {
	Image       string
	Environment map[string]string
	Command     []string
	Timeout     time.Duration
	Remove      bool
	Stdin       []string
}

// Executor is the contract the dispatch loop depends on.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (map[string]any, error)
}

// DockerExecutor is the production Executor, talking to the local Docker
// daemon over the standard environment-derived connection.
type DockerExecutor struct {
	cli    *client.Client
	logger *log.Logger
}

// NewDockerExecutor builds a DockerExecutor using the same connection
// negotiation the teacher's docker wrapper uses.
func NewDockerExecutor(logger *log.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, logger: logger}, nil
}

// Close releases the underlying Docker client connection.
func (e *DockerExecutor) Close() error {
	if e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

// Execute pulls spec.Image (falling back to a local copy if the pull
// fails), runs it with spec.Environment and spec.Command, streams
// spec.Stdin to the container, waits up to spec.Timeout for it to exit,
// and parses the last non-empty line of stdout as JSON.
func (e *DockerExecutor) Execute(ctx context.Context, spec Spec) (map[string]any, error) {
	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	name := "opthub-runner-" + uuid.NewString()
	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	created, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		StdinOnce:    true,
	}, &container.HostConfig{AutoRemove: false}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := created.ID

	if spec.Remove {
		defer func() {
			_ = e.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})
		}()
	}

	attach, err := e.cli.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	for _, line := range spec.Stdin {
		if _, err := attach.Conn.Write([]byte(line + "\n")); err != nil {
			attach.Close()
			return nil, fmt.Errorf("write container stdin: %w", err)
		}
	}
	attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		attach.Close()
		if waitCtx.Err() != nil {
			return nil, opthuberr.ErrContainerTimeout
		}
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-waitCtx.Done():
		attach.Close()
		return nil, opthuberr.ErrContainerTimeout
	}
	attach.Close()
	<-copyDone

	exitErr := &opthuberr.ContainerRuntimeError{Message: fmt.Sprintf("container exited with non-zero status %d", exitCode)}

	result, err := parseLastJSONLine(stdout.String())
	if err != nil {
		if exitCode != 0 {
			return nil, exitErr
		}
		return nil, err
	}

	sanitized, ok := numeric.FloatToJSONFloat(result).(map[string]any)
	if !ok {
		return nil, opthuberr.ErrParseFailure
	}
	if msg, hasErr := sanitized["error"]; hasErr {
		return nil, &opthuberr.ContainerRuntimeError{Message: fmt.Sprint(msg)}
	}
	if exitCode != 0 {
		return nil, exitErr
	}
	return sanitized, nil
}

// ensureImage pulls image, tolerating a pull failure when the image is
// already present locally (airgapped or pre-seeded test environments).
func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err == nil {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		return nil
	}

	if _, _, inspectErr := e.cli.ImageInspectWithRaw(ctx, image); inspectErr == nil {
		if e.logger != nil {
			e.logger.Warn("image pull failed, using local copy", "image", image, "error", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", opthuberr.ErrDockerImageNotFound, image, err)
}

// parseLastJSONLine scans lines from the bottom up and returns the first
// one that parses as a JSON object, mirroring the original implementation's
// parse_stdout: a problem/indicator image may log diagnostics to stdout
// before its final result line.
func parseLastJSONLine(stdout string) (map[string]any, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(line), &result); err == nil {
			return result, nil
		}
	}
	return nil, opthuberr.ErrParseFailure
}
