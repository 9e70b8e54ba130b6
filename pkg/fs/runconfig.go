package fs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// WriteRunConfig injects the image's runtime contract into an exported
// rootfs: <rootfs>/.kiln/env holds the process-wide environment plus a
// WORKDIR line, <rootfs>/.kiln/argv holds the entry command one argument
// per line. A runner can source both to start the process exactly as the
// image declares it.
func WriteRunConfig(ctx context.Context, config *oci.ImageConfig, rootfsDir string) error {
	configDir := path.Join(rootfsDir, ".kiln")
	err := os.MkdirAll(configDir, 0o755)
	if err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	err = writeEnvFile(configDir, config)
	if err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	err = writeArgvFile(configDir, config)
	if err != nil {
		return fmt.Errorf("write argv file: %w", err)
	}

	return nil
}

// writeEnvFile creates .kiln/env with the environment from the image config.
func writeEnvFile(configDir string, config *oci.ImageConfig) error {
	var env bytes.Buffer

	for _, line := range config.Env {
		env.WriteString(strings.TrimSpace(line))
		env.WriteByte('\n')
	}

	workdir := "/"
	if len(config.WorkingDir) > 0 {
		workdir = config.WorkingDir
	}
	fmt.Fprintf(&env, "WORKDIR=%s\n", workdir)

	return os.WriteFile(path.Join(configDir, "env"), env.Bytes(), 0o644)
}

// writeArgvFile creates .kiln/argv with entrypoint and cmd from the image config.
func writeArgvFile(configDir string, config *oci.ImageConfig) error {
	var argv bytes.Buffer

	for _, line := range config.Entrypoint {
		argv.WriteString(strings.TrimSpace(line))
		argv.WriteByte('\n')
	}

	for _, line := range config.Cmd {
		argv.WriteString(strings.TrimSpace(line))
		argv.WriteByte('\n')
	}

	return os.WriteFile(path.Join(configDir, "argv"), argv.Bytes(), 0o644)
}
