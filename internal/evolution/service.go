package evolution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/uke16/Helix-sub001/internal/gates"
)

// ServiceController restarts the service backed by an environment.
type ServiceController interface {
	Restart(ctx context.Context) error
	String() string
}

// Service kinds accepted in ServiceConfig.Kind.
const (
	ServiceNone    = "none"
	ServiceCommand = "command"
	ServiceDocker  = "docker"
)

// ServiceConfig selects a ServiceController.
type ServiceConfig struct {
	Kind      string        `koanf:"kind" yaml:"kind" json:"kind"`
	Command   string        `koanf:"command" yaml:"command,omitempty" json:"command,omitempty"`
	Container string        `koanf:"container" yaml:"container,omitempty" json:"container,omitempty"`
	Timeout   time.Duration `koanf:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// NopService does nothing.
type NopService struct{}

func (NopService) Restart(context.Context) error { return nil }
func (NopService) String() string                { return "none" }

// CommandService restarts a service by running a shell command.
type CommandService struct {
	Cmd     gates.CommandRunner
	Command string
	Dir     string
	Timeout time.Duration
}

func (s *CommandService) Restart(ctx context.Context) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	_, stderr, exitCode, err := s.Cmd.Run(ctx, s.Dir, s.Command)
	if err != nil {
		return fmt.Errorf("run restart command: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("restart command: %w", ctx.Err())
	}
	if exitCode != 0 {
		return fmt.Errorf("restart command exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

func (s *CommandService) String() string { return "command: " + s.Command }

// ContainerRestarter is the subset of the docker client used by
// DockerService.
type ContainerRestarter interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// DockerService restarts a container through the docker API.
type DockerService struct {
	Client    ContainerRestarter
	Container string
	// Timeout is how long docker waits for the container to stop before
	// killing it.
	Timeout time.Duration
}

func (s *DockerService) Restart(ctx context.Context) error {
	opts := container.StopOptions{}
	if s.Timeout > 0 {
		secs := int(s.Timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := s.Client.ContainerRestart(ctx, s.Container, opts); err != nil {
		return fmt.Errorf("restart container %s: %w", s.Container, err)
	}
	return nil
}

func (s *DockerService) String() string { return "docker: " + s.Container }

// NewService builds the controller described by cfg. dir is the working
// directory for command services. docker may be nil when no docker
// services are configured.
func NewService(cfg ServiceConfig, dir string, cmd gates.CommandRunner, docker ContainerRestarter) (ServiceController, error) {
	switch cfg.Kind {
	case "", ServiceNone:
		return NopService{}, nil
	case ServiceCommand:
		if cfg.Command == "" {
			return nil, fmt.Errorf("command service requires a command")
		}
		return &CommandService{Cmd: cmd, Command: cfg.Command, Dir: dir, Timeout: cfg.Timeout}, nil
	case ServiceDocker:
		if cfg.Container == "" {
			return nil, fmt.Errorf("docker service requires a container")
		}
		if docker == nil {
			return nil, fmt.Errorf("docker service %s: no docker client", cfg.Container)
		}
		return &DockerService{Client: docker, Container: cfg.Container, Timeout: cfg.Timeout}, nil
	default:
		return nil, fmt.Errorf("unknown service kind %q", cfg.Kind)
	}
}
