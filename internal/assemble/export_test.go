package assemble

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/internal/install"
	"github.com/kilnbuild/kiln/pkg/lock"
)

// TestExportRoundTrip builds an image, exports it, and verifies the source
// tree and the runtime contract are observable in the exported rootfs.
func TestExportRoundTrip(t *testing.T) {
	assembler := newTestAssembler()
	source := writeSourceTree(t)

	result, err := assembler.Build(context.Background(), testRecipe(source), testOptions(t))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	destDir := t.TempDir()
	img, err := Export(context.Background(), result.ImagePath, destDir)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if img.Digest.String() == "" {
		t.Error("exported image digest is empty")
	}

	// Source tree lands under the workdir
	content, err := os.ReadFile(filepath.Join(destDir, "app", "main.py"))
	if err != nil {
		t.Fatalf("main.py not in exported rootfs: %v", err)
	}
	if !strings.Contains(string(content), "hello") {
		t.Errorf("main.py content = %q", content)
	}

	if _, err := os.Stat(filepath.Join(destDir, "app", "requirements.txt")); err != nil {
		t.Errorf("manifest not in exported rootfs: %v", err)
	}

	// The build-time environment must be observable at launch
	env, err := os.ReadFile(filepath.Join(destDir, ".kiln", "env"))
	if err != nil {
		t.Fatalf("env file not exported: %v", err)
	}
	if !strings.Contains(string(env), "PYTHONUNBUFFERED=1\n") {
		t.Errorf("env file missing PYTHONUNBUFFERED=1: %q", env)
	}
	if !strings.Contains(string(env), "WORKDIR=/app\n") {
		t.Errorf("env file missing WORKDIR: %q", env)
	}

	argv, err := os.ReadFile(filepath.Join(destDir, ".kiln", "argv"))
	if err != nil {
		t.Fatalf("argv file not exported: %v", err)
	}
	if string(argv) != "python\nmain.py\n" {
		t.Errorf("argv = %q, want %q", argv, "python\nmain.py\n")
	}
}

// TestExportMissingImage verifies export fails cleanly for a missing tarball
func TestExportMissingImage(t *testing.T) {
	_, err := Export(context.Background(), filepath.Join(t.TempDir(), "nope.tar"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing image tarball")
	}
}

// TestAssemblerWithFileLock verifies the real locker works in the pipeline
func TestAssemblerWithFileLock(t *testing.T) {
	assembler := NewAssembler(
		noopSources,
		install.NewNoOpSystemInstaller(),
		install.NewNoOpManifestInstaller(),
		lock.NewFileLocker(t.TempDir()),
	)

	source := writeSourceTree(t)
	result, err := assembler.Build(context.Background(), testRecipe(source), testOptions(t))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if result.ImagePath == "" {
		t.Error("image path is empty")
	}
}
