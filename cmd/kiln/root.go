// Command kiln builds immutable OCI images for Python applications from a
// declarative recipe: base image, system packages, dependency manifest,
// source tree, environment, entry command.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const kilnBase = "/var/lib/kiln"

var (
	verbose bool
	baseDir string

	rootCmd = &cobra.Command{
		Use:   "kiln",
		Short: "Deterministic OCI image builder for Python applications",
		Long: `kiln assembles a container image from a kiln.toml recipe in one
linear pass: resolve base image, install system packages, install the
dependency manifest, copy the source tree, set the environment, declare
the entry command. Any step failure aborts the build; no partial image
is ever published.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", kilnBase, "directory for images, cache, locks and build history")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(historyCmd)
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func imageDir() string { return filepath.Join(baseDir, "images") }
func cacheDir() string { return filepath.Join(baseDir, "cache") }
func lockDir() string  { return filepath.Join(baseDir, "lock") }
func dbPath() string   { return filepath.Join(baseDir, "kiln.db") }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
