package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// ManifestInstaller satisfies a dependency manifest into a staging root.
type ManifestInstaller interface {
	Install(ctx context.Context, stageDir string, manifestPath string) error
}

// PipInstaller installs Python packages listed in a requirements manifest.
// The manifest is read from the staged filesystem state, never from the
// original source tree: the manifest copy step must have run first.
// --no-cache-dir keeps the pip download cache out of the layer.
type PipInstaller struct {
	runner CommandRunner
	logger *slog.Logger
}

func NewPipInstaller(runner CommandRunner) *PipInstaller {
	return &PipInstaller{
		runner: runner,
		logger: slog.Default(),
	}
}

func (p *PipInstaller) Install(ctx context.Context, stageDir string, manifestPath string) error {
	if _, err := os.Stat(manifestPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", oci.ErrManifestMissing, manifestPath)
		}
		return fmt.Errorf("%w: stat %s: %w", oci.ErrManifestMissing, manifestPath, err)
	}

	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("%w: create staging root: %w", oci.ErrDependencyResolution, err)
	}

	p.logger.InfoContext(ctx, "installing manifest packages", "manifest", manifestPath)

	err := p.runner.Run(ctx, "pip", "install",
		"--no-cache-dir",
		"--prefix", filepath.Join(stageDir, "usr", "local"),
		"--requirement", manifestPath,
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", oci.ErrDependencyResolution, manifestPath, err)
	}

	return nil
}

// NoOpManifestInstaller is a no-op implementation for testing. It still
// requires the manifest to exist, matching the real ordering contract.
type NoOpManifestInstaller struct{}

func NewNoOpManifestInstaller() *NoOpManifestInstaller {
	return &NoOpManifestInstaller{}
}

func (p *NoOpManifestInstaller) Install(ctx context.Context, stageDir string, manifestPath string) error {
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", oci.ErrManifestMissing, manifestPath)
	}
	return nil
}
