package launcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/logger"
	"a2a.mesh/internal/core/ports"
)

const containerPrefix = "a2a-"

// DockerLauncher runs agents as containers publishing the agent port on the
// host.
type DockerLauncher struct {
	cli     *client.Client
	network string
}

func NewDockerLauncher(network string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerLauncher{cli: cli, network: network}, nil
}

func (d *DockerLauncher) Close() error {
	return d.cli.Close()
}

// demultiplexStream reads Docker's multiplexed log format: an 8 byte header
// (stream type, 3 bytes padding, big endian size) followed by the payload.
// Stream type 1 is stdout, 2 is stderr.
func demultiplexStream(r io.Reader, logf ports.LogFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if len(data) < 8 {
			if atEOF {
				return len(data), nil, nil
			}
			return 0, nil, nil
		}

		size := binary.BigEndian.Uint32(data[4:8])
		totalSize := 8 + int(size)
		if len(data) < totalSize {
			if atEOF {
				return len(data), nil, nil
			}
			return 0, nil, nil
		}
		// Keep the stream type as the first byte of the token.
		token = make([]byte, 0, 1+size)
		token = append(token, data[0])
		token = append(token, data[8:totalSize]...)
		return totalSize, token, nil
	})

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) < 2 {
			continue
		}
		stream := "stdout"
		if frame[0] == 2 {
			stream = "stderr"
		}
		inner := bufio.NewScanner(bytes.NewReader(frame[1:]))
		for inner.Scan() {
			if line := inner.Text(); line != "" {
				logf(stream, line)
			}
		}
	}
	return scanner.Err()
}

func (d *DockerLauncher) Launch(ctx context.Context, spec domain.AgentSpec, logf ports.LogFunc) (ports.ProcessHandle, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("agent %s has no image", spec.ID)
	}
	if logf == nil {
		logf = func(string, string) {}
	}

	reader, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
	if err != nil {
		logger.Warn("Failed to pull image, trying local copy", "image", spec.Image, "agent_id", spec.ID, "error", err)
	} else {
		// Consume reader to ensure pull completes
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return nil, fmt.Errorf("agent %s port: %w", spec.ID, err)
	}
	env := agentEnv(spec, nil)
	// Inside the container the agent listens on all interfaces.
	env = append(env, "AGENT_BIND=0.0.0.0")

	name := containerPrefix + spec.ID
	// A container left over from an earlier run would block the name.
	d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
	}
	if d.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.network)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{"a2a.agent_id": spec.ID, "a2a.agent_type": spec.Type},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cleanup(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	c := &containerHandle{cli: d.cli, id: resp.ID, done: make(chan struct{})}
	go c.follow(logf)
	return c, nil
}

func (d *DockerLauncher) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

type containerHandle struct {
	cli  *client.Client
	id   string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// follow streams logs until the container stops, then removes it.
func (c *containerHandle) follow(logf ports.LogFunc) {
	ctx := context.Background()

	var wg sync.WaitGroup
	out, err := c.cli.ContainerLogs(ctx, c.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Warn("Failed to get container logs", "container_id", c.ID(), "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer out.Close()
			demultiplexStream(out, logf)
		}()
	}

	var exitErr error
	statusCh, errCh := c.cli.ContainerWait(ctx, c.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			exitErr = fmt.Errorf("error waiting for container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			exitErr = fmt.Errorf("container exited with code %d", status.StatusCode)
		}
	}
	wg.Wait()

	rmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c.cli.ContainerRemove(rmCtx, c.id, container.RemoveOptions{Force: true})
	cancel()

	c.mu.Lock()
	c.err = exitErr
	c.mu.Unlock()
	close(c.done)
}

func (c *containerHandle) ID() string {
	if len(c.id) > 12 {
		return c.id[:12]
	}
	return c.id
}

func (c *containerHandle) Terminate() error {
	return c.kill("SIGTERM")
}

func (c *containerHandle) Kill() error {
	return c.kill("SIGKILL")
}

func (c *containerHandle) kill(signal string) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, c.id, signal); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return err
	}
	return nil
}

func (c *containerHandle) Done() <-chan struct{} {
	return c.done
}

func (c *containerHandle) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
