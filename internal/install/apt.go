package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// SystemInstaller installs OS-level packages into a staging root.
type SystemInstaller interface {
	Install(ctx context.Context, stageDir string, packages []string) error
}

// AptInstaller installs Debian packages into the staging root with apt-get.
// After a successful install it removes the package index cache from the
// staging root: the layer stays small at the cost of re-downloading indices
// on a future uncached rebuild.
type AptInstaller struct {
	runner CommandRunner
	logger *slog.Logger
}

func NewAptInstaller(runner CommandRunner) *AptInstaller {
	return &AptInstaller{
		runner: runner,
		logger: slog.Default(),
	}
}

func (a *AptInstaller) Install(ctx context.Context, stageDir string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("%w: create staging root: %w", oci.ErrSystemPackageInstall, err)
	}

	a.logger.InfoContext(ctx, "installing system packages", "count", len(packages))

	args := []string{
		"-o", "RootDir=" + stageDir,
		"-o", "Debug::NoLocking=1",
		"update",
	}
	if err := a.runner.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("%w: refresh package index: %w", oci.ErrSystemPackageInstall, err)
	}

	args = []string{
		"-o", "RootDir=" + stageDir,
		"-o", "Debug::NoLocking=1",
		"install", "-y", "--no-install-recommends",
	}
	args = append(args, packages...)
	if err := a.runner.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("%w: install %v: %w", oci.ErrSystemPackageInstall, packages, err)
	}

	// The index cache is transient input, not image content
	for _, cacheDir := range []string{"var/lib/apt/lists", "var/cache/apt"} {
		if err := os.RemoveAll(filepath.Join(stageDir, cacheDir)); err != nil {
			return fmt.Errorf("%w: clean %s: %w", oci.ErrSystemPackageInstall, cacheDir, err)
		}
	}

	return nil
}

// NoOpSystemInstaller is a no-op implementation for testing
type NoOpSystemInstaller struct{}

func NewNoOpSystemInstaller() *NoOpSystemInstaller {
	return &NoOpSystemInstaller{}
}

func (a *NoOpSystemInstaller) Install(ctx context.Context, stageDir string, packages []string) error {
	return nil
}
