package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/internal/assemble"
)

var exportCmd = &cobra.Command{
	Use:   "export <image.tar> <dir>",
	Short: "Flatten a built image into a rootfs directory",
	Long: `export unpacks all layers of a published image tarball into a
directory and writes the image's runtime contract (.kiln/env and
.kiln/argv) into it, so a runner can launch the entry command with the
exact environment declared at build time.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	imagePath, destDir := args[0], args[1]

	img, err := assemble.Export(cmd.Context(), imagePath, destDir)
	if err != nil {
		return err
	}

	argv := append(append([]string{}, img.Config.Entrypoint...), img.Config.Cmd...)
	fmt.Printf("exported %s\n", img.Digest)
	fmt.Printf("  rootfs:  %s\n", destDir)
	fmt.Printf("  workdir: %s\n", img.Config.WorkingDir)
	fmt.Printf("  argv:    %s\n", strings.Join(argv, " "))
	return nil
}
