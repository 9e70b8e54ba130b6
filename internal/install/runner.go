// Package install runs the package-installation build steps. Each installer
// populates a staging directory that is later sealed into a single image
// layer; the actual package managers are invoked through a CommandRunner so
// tests can substitute a fake.
package install

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner executes one external command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands on the build host via os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: slog.Default()}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	r.logger.DebugContext(ctx, "running command", "cmd", name, "args", strings.Join(args, " "))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, lastLines(output.String(), 5))
	}

	return nil
}

// lastLines keeps error messages readable when a package manager dumps
// hundreds of lines before failing.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// NoOpRunner ignores every command. Useful for wiring tests.
type NoOpRunner struct{}

func NewNoOpRunner() *NoOpRunner {
	return &NoOpRunner{}
}

func (r *NoOpRunner) Run(ctx context.Context, name string, args ...string) error {
	return nil
}
