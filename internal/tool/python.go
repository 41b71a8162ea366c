package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const maxSandboxOutput = 100000

// PythonSandboxConfig configures the Docker sandbox used for Python code.
type PythonSandboxConfig struct {
	Enabled   bool
	Image     string // Docker image with python3 (default: "python:3.12-alpine")
	Timeout   time.Duration
	MaxMemory string // e.g., "256m"
	MaxCPU    string // e.g., "0.5"
	Logger    *slog.Logger
}

// PythonSandbox runs Python snippets inside isolated, network-less Docker containers.
type PythonSandbox struct {
	enabled   bool
	image     string
	timeout   time.Duration
	maxMemory string
	maxCPU    string
	logger    *slog.Logger

	// command builds the process; replaced in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewPythonSandbox(cfg PythonSandboxConfig) *PythonSandbox {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-alpine"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "256m"
	}
	if cfg.MaxCPU == "" {
		cfg.MaxCPU = "0.5"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PythonSandbox{
		enabled:   cfg.Enabled,
		image:     cfg.Image,
		timeout:   cfg.Timeout,
		maxMemory: cfg.MaxMemory,
		maxCPU:    cfg.MaxCPU,
		logger:    cfg.Logger,
		command:   exec.CommandContext,
	}
}

func (ps *PythonSandbox) IsEnabled() bool {
	return ps.enabled
}

// Run executes code with python3 inside a fresh container and returns stdout
// (with stderr appended). A non-zero exit is an error carrying the output.
func (ps *PythonSandbox) Run(ctx context.Context, code string) (string, error) {
	if !ps.enabled {
		return "", fmt.Errorf("python sandbox is disabled")
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("missing input: python code")
	}

	ctx, cancel := context.WithTimeout(ctx, ps.timeout)
	defer cancel()

	ps.logger.Info("sandbox executing python", "image", ps.image, "code_len", len(code))

	cmd := ps.command(ctx, "docker", ps.dockerArgs(code)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n[stderr] " + stderr.String()
	}
	if len(output) > maxSandboxOutput {
		output = output[:maxSandboxOutput] + "\n... (output truncated)"
	}
	output = strings.TrimSpace(output)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("python timed out after %s", ps.timeout)
		}
		return output, fmt.Errorf("python failed: %w", err)
	}
	return output, nil
}

func (ps *PythonSandbox) dockerArgs(code string) []string {
	return []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--memory", ps.maxMemory,
		"--cpus", ps.maxCPU,
		"--pids-limit", "64",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		ps.image,
		"python3", "-c", code,
	}
}

// CheckDocker verifies that the Docker daemon answers.
func CheckDocker(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}
	return nil
}
