package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/internal/assemble"
	"github.com/kilnbuild/kiln/internal/db"
	"github.com/kilnbuild/kiln/internal/install"
	"github.com/kilnbuild/kiln/internal/recipe"
	"github.com/kilnbuild/kiln/pkg/lock"
	"github.com/kilnbuild/kiln/pkg/oci"
)

var (
	recipePath string
	outputDir  string

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build an image from a recipe",
		RunE:  runBuild,
	}
)

func init() {
	buildCmd.Flags().StringVarP(&recipePath, "file", "f", "kiln.toml", "recipe file")
	buildCmd.Flags().StringVarP(&outputDir, "output", "o", "", "image output directory (default <base-dir>/images)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	r, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}
	logger = logger.With("recipe", recipePath, "base", r.Base)

	kilnDB, err := db.NewDB(dbPath())
	if err != nil {
		return fmt.Errorf("open build history: %w", err)
	}
	defer kilnDB.Close()

	if err := db.InitSchema(ctx, kilnDB); err != nil {
		return fmt.Errorf("init build history: %w", err)
	}

	record, err := db.InsertBuild(ctx, kilnDB, r.Base)
	if err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	logger = logger.With("buildID", record.ID)
	logger.InfoContext(ctx, "starting build")

	runner := install.NewExecRunner()
	assembler := assemble.NewAssembler(
		oci.NewRegistrySource,
		install.NewAptInstaller(runner),
		install.NewPipInstaller(runner),
		lock.NewFileLocker(lockDir()),
	)

	out := outputDir
	if out == "" {
		out = imageDir()
	}

	result, err := assembler.Build(ctx, r, assemble.BuildOptions{
		OutputDir: out,
		WorkDir:   os.TempDir(),
		CacheDir:  cacheDir(),
	})
	if err != nil {
		if dbErr := db.FailBuild(ctx, kilnDB, record.ID, err); dbErr != nil {
			logger.WarnContext(ctx, "failed to record build failure", "error", dbErr)
		}
		return fmt.Errorf("build failed: %w", err)
	}

	err = db.CompleteBuild(ctx, kilnDB, record.ID, result.Digest.String(), result.ImagePath, result.SizeBytes)
	if err != nil {
		logger.WarnContext(ctx, "failed to record build result", "error", err)
	}

	fmt.Printf("built %s\n", result.Digest)
	fmt.Printf("  image:    %s (%s)\n", result.ImagePath, units.HumanSize(float64(result.SizeBytes)))
	fmt.Printf("  duration: %s (system cached: %v, deps cached: %v)\n",
		result.BuildTime.Round(10*time.Millisecond), result.SystemCached, result.DepsCached)
	return nil
}
