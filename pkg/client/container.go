package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/internal/shell"
	openmodelpb "github.com/kennethnrk/chassis/pkg/pb/openmodel"
)

// ContainerRuntime starts and stops model containers.
type ContainerRuntime interface {
	// Start runs image with its model port published on hostPort and returns
	// a handle for Stop.
	Start(ctx context.Context, image string, hostPort int) (string, error)
	Stop(ctx context.Context, id string) error
}

// DockerCLI drives a docker-compatible command line (docker, podman).
type DockerCLI struct {
	// Binary defaults to "docker".
	Binary string
	// Runner executes the binary. Nil means os/exec.
	Runner shell.Runner
}

func (d DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	r := d.Runner
	if r == nil {
		r = shell.Exec{}
	}
	out, err := shell.Output(ctx, r, shell.Command{Name: bin, Args: args})
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("%s %s: %w: %s", bin, args[0], err, text)
	}
	return text, nil
}

func (d DockerCLI) Start(ctx context.Context, image string, hostPort int) (string, error) {
	name := "chassis-test-" + uuid.NewString()
	_, err := d.run(ctx, "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:%d", hostPort, config.DefaultModelPort),
		"--name", name, image)
	if err != nil {
		// docker run can fail after creating the container.
		if _, rmErr := d.run(context.WithoutCancel(ctx), "rm", "-f", name); rmErr != nil {
			log.Debug().Err(rmErr).Str("container", name).Msg("nothing to remove")
		}
		return "", err
	}
	return name, nil
}

func (d DockerCLI) Stop(ctx context.Context, id string) error {
	_, err := d.run(ctx, "stop", id)
	return err
}

// TestContainerOptions configures TestContainer.
type TestContainerOptions struct {
	Image  string
	Inputs []map[string][]byte
	// Host the published port is reached on. Defaults to localhost.
	Host string
	// HostPort defaults to a free local port.
	HostPort    int
	DetectDrift bool
	Explain     bool
	// ReadyTimeout bounds the wait for Status to return 200. Default 2m.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// Runtime defaults to DockerCLI.
	Runtime ContainerRuntime
}

// TestContainer starts a container from an image, waits for the model to
// initialize, runs the inputs and stops the container again.
func TestContainer(ctx context.Context, opts TestContainerOptions) (*openmodelpb.RunResponse, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required")
	}
	rt := opts.Runtime
	if rt == nil {
		rt = DockerCLI{}
	}
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	port := opts.HostPort
	if port == 0 {
		var err error
		if port, err = freePort(); err != nil {
			return nil, err
		}
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Minute
	}

	log.Info().Str("image", opts.Image).Int("port", port).Msg("Starting test container")
	id, err := rt.Start(ctx, opts.Image, port)
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx, id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("failed to stop test container")
		}
	}()

	c, err := New(host, port)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	_, err = c.WaitReady(readyCtx, opts.PollInterval)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", id, err)
	}

	resp, err := c.Run(ctx, opts.Inputs, opts.DetectDrift, opts.Explain)
	if err != nil {
		return nil, fmt.Errorf("run inputs: %w", err)
	}
	if _, err := c.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("model shutdown failed")
	}
	return resp, nil
}

func freePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find a free port: %w", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}
