// Package recipe defines the declarative build input for kiln.
//
// A recipe names a base image, the OS and manifest dependencies to install,
// the source tree to copy, and the runtime contract of the resulting image
// (working directory, environment, entry command). It is the whole input of
// one build invocation; nothing is configurable at container start.
package recipe

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Recipe struct {
	// Base is the image reference the layer stack is rooted on, e.g.
	// "python:3.11-slim". Exactly one base per image.
	Base string `toml:"base"`

	// SystemPackages are OS-level packages installed before the manifest step.
	SystemPackages []string `toml:"system_packages"`

	// Manifest is the dependency manifest path relative to the source tree.
	Manifest string `toml:"manifest"`

	// Source is the source tree root on the build host.
	Source string `toml:"source"`

	// WorkDir is the absolute working directory inside the image.
	WorkDir string `toml:"workdir"`

	// Env is applied process-wide to every process started in the image.
	Env map[string]string `toml:"env"`

	// Entrypoint and Cmd together form the fixed entry command.
	Entrypoint []string `toml:"entrypoint"`
	Cmd        []string `toml:"cmd"`

	// Ignore lists dockerignore-style patterns excluded from the source
	// copy. Empty means the full working tree is copied.
	Ignore []string `toml:"ignore"`
}

// Load reads and validates a recipe file. Unknown keys are rejected so a
// typo never silently drops a build input.
func Load(filePath string) (*Recipe, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open recipe %s: %w", filePath, err)
	}
	defer file.Close()

	var r Recipe
	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", filePath, err)
	}

	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe %s: %w", filePath, err)
	}

	return &r, nil
}

func (r *Recipe) applyDefaults() {
	if r.Manifest == "" {
		r.Manifest = "requirements.txt"
	}
	if r.Source == "" {
		r.Source = "."
	}
	if r.WorkDir == "" {
		r.WorkDir = "/app"
	}
}

func (r *Recipe) Validate() error {
	if r.Base == "" {
		return fmt.Errorf("base image reference is required")
	}
	if !path.IsAbs(r.WorkDir) {
		return fmt.Errorf("workdir %q must be absolute", r.WorkDir)
	}
	if len(r.Entrypoint) == 0 && len(r.Cmd) == 0 {
		return fmt.Errorf("an entry command (entrypoint or cmd) is required")
	}
	if strings.Contains(r.Manifest, "..") {
		return fmt.Errorf("manifest path %q must stay inside the source tree", r.Manifest)
	}
	for key := range r.Env {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
	}
	return nil
}

// EnvList renders the env map as sorted KEY=VALUE pairs. Sorting keeps the
// image config deterministic across builds.
func (r *Recipe) EnvList() []string {
	list := make([]string, 0, len(r.Env))
	for key, value := range r.Env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}
