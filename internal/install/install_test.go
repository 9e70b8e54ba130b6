package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// fakeRunner records commands and can simulate package manager behavior
type fakeRunner struct {
	calls   [][]string
	failOn  string // fail when the command line contains this substring
	onRun   func(name string, args []string) error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, append([]string{name}, args...))

	if r.failOn != "" && strings.Contains(line, r.failOn) {
		return errors.New("exit status 100")
	}
	if r.onRun != nil {
		return r.onRun(name, args)
	}
	return nil
}

func TestAptInstallerNoPackagesIsNoOp(t *testing.T) {
	runner := &fakeRunner{}
	installer := NewAptInstaller(runner)

	if err := installer.Install(context.Background(), t.TempDir(), nil); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if len(runner.calls) != 0 {
		t.Errorf("expected no commands, got %v", runner.calls)
	}
}

func TestAptInstallerRunsUpdateThenInstall(t *testing.T) {
	runner := &fakeRunner{}
	installer := NewAptInstaller(runner)
	stage := t.TempDir()

	if err := installer.Install(context.Background(), stage, []string{"gcc", "libpq-dev"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("calls = %d, want 2 (update, install)", len(runner.calls))
	}

	update := strings.Join(runner.calls[0], " ")
	if !strings.Contains(update, "update") {
		t.Errorf("first call should refresh index: %q", update)
	}

	installCmd := strings.Join(runner.calls[1], " ")
	for _, want := range []string{"install", "gcc", "libpq-dev", "RootDir=" + stage} {
		if !strings.Contains(installCmd, want) {
			t.Errorf("install call missing %q: %q", want, installCmd)
		}
	}
}

func TestAptInstallerRemovesIndexCache(t *testing.T) {
	stage := t.TempDir()
	runner := &fakeRunner{
		onRun: func(name string, args []string) error {
			// Simulate apt leaving index files behind
			listsDir := filepath.Join(stage, "var", "lib", "apt", "lists")
			if err := os.MkdirAll(listsDir, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(listsDir, "deb.debian.org_dists"), []byte("index"), 0o644)
		},
	}

	installer := NewAptInstaller(runner)
	if err := installer.Install(context.Background(), stage, []string{"gcc"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := os.Stat(filepath.Join(stage, "var", "lib", "apt", "lists")); !os.IsNotExist(err) {
		t.Error("package index cache should be removed from the staging root")
	}
}

func TestAptInstallerFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{failOn: "no-such-package"}
	installer := NewAptInstaller(runner)

	err := installer.Install(context.Background(), t.TempDir(), []string{"no-such-package"})
	if err == nil {
		t.Fatal("expected install error")
	}
	if !errors.Is(err, oci.ErrSystemPackageInstall) {
		t.Errorf("error = %v, want ErrSystemPackageInstall", err)
	}
}

func TestPipInstallerMissingManifest(t *testing.T) {
	runner := &fakeRunner{}
	installer := NewPipInstaller(runner)

	err := installer.Install(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "requirements.txt"))
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	if !errors.Is(err, oci.ErrManifestMissing) {
		t.Errorf("error = %v, want ErrManifestMissing", err)
	}

	if len(runner.calls) != 0 {
		t.Errorf("pip must not run without a manifest, got %v", runner.calls)
	}
}

func TestPipInstallerRunsAgainstStagedManifest(t *testing.T) {
	runner := &fakeRunner{}
	installer := NewPipInstaller(runner)

	stage := t.TempDir()
	manifest := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(manifest, []byte("requests==2.31.0\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if err := installer.Install(context.Background(), stage, manifest); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}

	line := strings.Join(runner.calls[0], " ")
	for _, want := range []string{"pip", "--no-cache-dir", "--requirement " + manifest, filepath.Join(stage, "usr", "local")} {
		if !strings.Contains(line, want) {
			t.Errorf("pip call missing %q: %q", want, line)
		}
	}
}

func TestPipInstallerUnresolvableDependency(t *testing.T) {
	runner := &fakeRunner{failOn: "--requirement"}
	installer := NewPipInstaller(runner)

	manifest := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(manifest, []byte("definitely-not-a-real-package==9.9.9\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	err := installer.Install(context.Background(), t.TempDir(), manifest)
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if !errors.Is(err, oci.ErrDependencyResolution) {
		t.Errorf("error = %v, want ErrDependencyResolution", err)
	}
}
