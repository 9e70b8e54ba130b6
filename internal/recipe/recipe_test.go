package recipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRecipe(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write recipe: %v", err)
	}
	return path
}

func TestLoadFullRecipe(t *testing.T) {
	path := writeRecipe(t, `
base = "python:3.11-slim"
system_packages = ["gcc", "libpq-dev"]
manifest = "requirements.txt"
source = "."
workdir = "/app"
entrypoint = ["python"]
cmd = ["main.py"]
ignore = ["__pycache__", "*.log"]

[env]
PYTHONUNBUFFERED = "1"
`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if r.Base != "python:3.11-slim" {
		t.Errorf("base = %q", r.Base)
	}
	if len(r.SystemPackages) != 2 || r.SystemPackages[0] != "gcc" {
		t.Errorf("system_packages = %v", r.SystemPackages)
	}
	if r.Env["PYTHONUNBUFFERED"] != "1" {
		t.Errorf("env = %v", r.Env)
	}
	if len(r.Entrypoint) != 1 || r.Entrypoint[0] != "python" {
		t.Errorf("entrypoint = %v", r.Entrypoint)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeRecipe(t, `
base = "python:3.11-slim"
cmd = ["python", "main.py"]
`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if r.Manifest != "requirements.txt" {
		t.Errorf("manifest default = %q, want requirements.txt", r.Manifest)
	}
	if r.Source != "." {
		t.Errorf("source default = %q, want .", r.Source)
	}
	if r.WorkDir != "/app" {
		t.Errorf("workdir default = %q, want /app", r.WorkDir)
	}
	if len(r.Ignore) != 0 {
		t.Errorf("ignore default = %v, want empty", r.Ignore)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeRecipe(t, `
base = "python:3.11-slim"
cmd = ["python", "main.py"]
entrypint = ["python"]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing base",
			content: `cmd = ["python", "main.py"]`,
			wantErr: "base image",
		},
		{
			name: "relative workdir",
			content: `
base = "python:3.11-slim"
workdir = "app"
cmd = ["python", "main.py"]`,
			wantErr: "must be absolute",
		},
		{
			name:    "missing entry command",
			content: `base = "python:3.11-slim"`,
			wantErr: "entry command",
		},
		{
			name: "manifest escaping source tree",
			content: `
base = "python:3.11-slim"
manifest = "../secrets.txt"
cmd = ["python", "main.py"]`,
			wantErr: "source tree",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeRecipe(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvListSorted(t *testing.T) {
	r := &Recipe{
		Env: map[string]string{
			"PYTHONUNBUFFERED": "1",
			"APP_MODE":         "prod",
			"LANG":             "C.UTF-8",
		},
	}

	list := r.EnvList()
	want := []string{"APP_MODE=prod", "LANG=C.UTF-8", "PYTHONUNBUFFERED=1"}
	if len(list) != len(want) {
		t.Fatalf("EnvList = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("EnvList[%d] = %q, want %q", i, list[i], want[i])
		}
	}
}
