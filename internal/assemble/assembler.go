// Package assemble implements the image build pipeline: base resolution,
// dependency installation, source staging, configuration, and atomic
// publishing of the final image tarball. The pipeline is strictly linear
// and executes once per invocation; any step failure aborts the build and
// no partial image is published.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/opencontainers/go-digest"

	"github.com/kilnbuild/kiln/internal/install"
	"github.com/kilnbuild/kiln/internal/recipe"
	"github.com/kilnbuild/kiln/pkg/fs"
	"github.com/kilnbuild/kiln/pkg/lock"
	"github.com/kilnbuild/kiln/pkg/oci"
)

// BaseSourceFactory creates a base image source for a reference.
type BaseSourceFactory func(ref string) (oci.BaseImageSource, error)

type Assembler interface {
	Build(ctx context.Context, r *recipe.Recipe, opts BuildOptions) (*BuildResult, error)
}

type BuildOptions struct {
	OutputDir string // where to place the final image tarball
	WorkDir   string // scratch space for staging directories
	CacheDir  string // layer cache location
}

// BuildResult contains information about the built image
type BuildResult struct {
	ImagePath    string           // full path to the published .tar file
	Digest       digest.Digest    // digest of the final image
	BaseDigest   digest.Digest    // digest of the resolved base image
	ImageConfig  *oci.ImageConfig // runtime contract of the image
	SizeBytes    int64            // size of the published tarball
	BuildTime    time.Duration    // time taken to build
	SystemCached bool             // system package layer reused from cache
	DepsCached   bool             // manifest dependency layer reused from cache
}

type assembler struct {
	sources  BaseSourceFactory
	system   install.SystemInstaller
	manifest install.ManifestInstaller
	locker   lock.Locker
	logger   *slog.Logger
}

func NewAssembler(
	sources BaseSourceFactory,
	system install.SystemInstaller,
	manifest install.ManifestInstaller,
	locker lock.Locker,
) Assembler {
	return &assembler{
		sources:  sources,
		system:   system,
		manifest: manifest,
		locker:   locker,
		logger:   slog.Default(),
	}
}

func (a *assembler) Build(ctx context.Context, r *recipe.Recipe, opts BuildOptions) (*BuildResult, error) {
	startTime := time.Now()
	buildTimeStamp := startTime.Unix()
	logger := a.logger

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	// Step 1: resolve the base layer
	source, err := a.sources(r.Base)
	if err != nil {
		return nil, err
	}
	logger = logger.With("base", source.Info())

	base, err := source.GetBase(ctx)
	if err != nil {
		return nil, err
	}
	logger = logger.With("baseDigest", base.Digest.Hex()[:12])
	logger.InfoContext(ctx, "base image resolved", "layers", len(base.Layers))

	buildKey := buildIdentity(r, base.Digest)

	// Concurrent builds of the same recipe wait on each other
	buildLock, err := a.locker.AcquireLock(ctx, buildKey)
	if err != nil {
		return nil, fmt.Errorf("lock build %s: %w", buildKey.Hex()[:12], err)
	}
	defer buildLock.Release()

	// build is fresh invoked so set the wanted to this build
	wantedFile := filepath.Join(opts.OutputDir, buildKey.Hex()+".wanted")
	err = fs.WriteFileAtomic(wantedFile, []byte(strconv.FormatInt(buildTimeStamp, 10)), 0o644)
	if err != nil {
		return nil, fmt.Errorf("error writing wanted file: %w", err)
	}

	cache := NewLayerCache(opts.CacheDir)

	buildDir := filepath.Join(opts.WorkDir, "kiln", "build", fmt.Sprintf("build-%d", buildTimeStamp))
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(buildDir); err != nil {
			logger.WarnContext(ctx, "failed to cleanup build directory", "error", err, "path", buildDir)
		}
	}()

	result := &BuildResult{BaseDigest: base.Digest}
	var layers []v1.Layer

	// Step 2: install OS-level packages
	if len(r.SystemPackages) > 0 {
		layer, cached, err := a.systemLayer(ctx, cache, buildDir, base.Digest, r.SystemPackages)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "system package layer ready", "cached", cached)
		layers = append(layers, layer)
		result.SystemCached = cached
	}

	// Step 3: stage the manifest into the layer stack. This must happen
	// before the install step reads it and before the source copy, so the
	// dependency layer stays independent of source changes.
	manifestLayer, stagedManifest, manifestBytes, err := a.manifestLayer(ctx, cache, buildDir, base.Digest, r)
	if err != nil {
		return nil, err
	}
	layers = append(layers, manifestLayer)

	// Step 4: satisfy the manifest
	depsLayer, depsCached, err := a.dependencyLayer(ctx, cache, buildDir, base.Digest, stagedManifest, manifestBytes)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "dependency layer ready", "cached", depsCached)
	layers = append(layers, depsLayer)
	result.DepsCached = depsCached

	// Step 5: copy the full source tree
	sourceLayer, err := a.sourceLayer(ctx, buildDir, r)
	if err != nil {
		return nil, err
	}
	layers = append(layers, sourceLayer)

	// Steps 6-7: environment and entry command on the final config
	img, err := mutate.AppendLayers(base.Raw(), layers...)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}

	img, err = applyRuntimeContract(img, base.Config, r)
	if err != nil {
		return nil, err
	}
	img = annotate(img, source.Info())

	finalImage, err := oci.FromRaw(img)
	if err != nil {
		return nil, fmt.Errorf("summarize final image: %w", err)
	}

	if !isNewestBuild(wantedFile, buildTimeStamp) {
		return nil, errors.New("newer build detected not publishing")
	}

	// Step 8: atomic publish of the image tarball
	imagePath, sizeBytes, err := publishImage(finalImage, opts.OutputDir)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "build completed successfully",
		"digest", finalImage.Digest.Hex()[:12],
		"size_mb", sizeBytes/1024/1024,
		"duration", time.Since(startTime))

	result.ImagePath = imagePath
	result.Digest = finalImage.Digest
	result.ImageConfig = finalImage.Config
	result.SizeBytes = sizeBytes
	result.BuildTime = time.Since(startTime)
	return result, nil
}

func (a *assembler) systemLayer(ctx context.Context, cache *LayerCache, buildDir string, baseDigest digest.Digest, packages []string) (v1.Layer, bool, error) {
	key := cacheKey("system", baseDigest, []byte(strings.Join(packages, "\n")))

	layer, ok, err := cache.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return layer, true, nil
	}

	stageDir := filepath.Join(buildDir, "system")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create staging dir: %w", err)
	}
	if err := a.system.Install(ctx, stageDir, packages); err != nil {
		return nil, false, err
	}

	layer, err = cache.Put(key, stageDir, "")
	if err != nil {
		return nil, false, err
	}
	return layer, false, nil
}

// manifestLayer stages the manifest file at its in-image path and seals it
// into its own layer. Returns the staged path for the install step to read.
func (a *assembler) manifestLayer(ctx context.Context, cache *LayerCache, buildDir string, baseDigest digest.Digest, r *recipe.Recipe) (v1.Layer, string, []byte, error) {
	hostManifest := filepath.Join(r.Source, r.Manifest)
	manifestBytes, err := os.ReadFile(hostManifest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil, fmt.Errorf("%w: %s", oci.ErrManifestMissing, hostManifest)
		}
		return nil, "", nil, fmt.Errorf("%w: read %s: %w", oci.ErrManifestMissing, hostManifest, err)
	}

	workdirRel := strings.TrimPrefix(r.WorkDir, "/")
	stageDir := filepath.Join(buildDir, "manifest")
	stagedManifest := filepath.Join(stageDir, workdirRel, r.Manifest)
	if err := fs.CopyFile(hostManifest, stagedManifest, 0o644); err != nil {
		return nil, "", nil, fmt.Errorf("stage manifest: %w", err)
	}

	key := cacheKey("manifest", baseDigest, []byte(r.WorkDir), []byte(r.Manifest), manifestBytes)
	if layer, ok, err := cache.Get(key); err != nil {
		return nil, "", nil, err
	} else if ok {
		return layer, stagedManifest, manifestBytes, nil
	}

	layer, err := cache.Put(key, stageDir, "")
	if err != nil {
		return nil, "", nil, err
	}
	return layer, stagedManifest, manifestBytes, nil
}

func (a *assembler) dependencyLayer(ctx context.Context, cache *LayerCache, buildDir string, baseDigest digest.Digest, stagedManifest string, manifestBytes []byte) (v1.Layer, bool, error) {
	key := cacheKey("deps", baseDigest, manifestBytes)

	layer, ok, err := cache.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return layer, true, nil
	}

	stageDir := filepath.Join(buildDir, "deps")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create staging dir: %w", err)
	}
	if err := a.manifest.Install(ctx, stageDir, stagedManifest); err != nil {
		return nil, false, err
	}

	layer, err = cache.Put(key, stageDir, "")
	if err != nil {
		return nil, false, err
	}
	return layer, false, nil
}

// sourceLayer stages the working tree under the image workdir. It is
// rebuilt every invocation and deliberately not cached: its key would
// change with every source edit anyway.
func (a *assembler) sourceLayer(ctx context.Context, buildDir string, r *recipe.Recipe) (v1.Layer, error) {
	workdirRel := strings.TrimPrefix(r.WorkDir, "/")
	stageDir := filepath.Join(buildDir, "source")

	if err := fs.StageTree(r.Source, filepath.Join(stageDir, workdirRel), r.Ignore); err != nil {
		return nil, err
	}

	layer, err := fs.LayerFromDir(stageDir, "", filepath.Join(buildDir, "source-layer.tar.gz"))
	if err != nil {
		return nil, fmt.Errorf("%w: seal source layer: %w", oci.ErrSourceCopy, err)
	}
	return layer, nil
}

// applyRuntimeContract sets the environment, working directory and entry
// command on the image config. The result is an immutable record on the
// final image, fixed at build time.
func applyRuntimeContract(img v1.Image, baseConfig *oci.ImageConfig, r *recipe.Recipe) (v1.Image, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}

	cfg := cfgFile.DeepCopy()
	cfg.Config.Env = mergeEnv(baseConfig.Env, r.EnvList())
	cfg.Config.WorkingDir = r.WorkDir
	cfg.Config.Entrypoint = r.Entrypoint
	cfg.Config.Cmd = r.Cmd
	// Fixed creation time keeps the config blob reproducible
	cfg.Created = v1.Time{}

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("apply image config: %w", err)
	}
	return img, nil
}

// mergeEnv overlays recipe entries on the base environment. Base order is
// preserved for overridden keys so the result stays deterministic.
func mergeEnv(baseEnv, overlay []string) []string {
	overridden := make(map[string]string, len(overlay))
	for _, entry := range overlay {
		key, value, _ := strings.Cut(entry, "=")
		overridden[key] = value
	}

	merged := make([]string, 0, len(baseEnv)+len(overlay))
	seen := make(map[string]bool, len(baseEnv))
	for _, entry := range baseEnv {
		key, _, _ := strings.Cut(entry, "=")
		if value, ok := overridden[key]; ok {
			merged = append(merged, key+"="+value)
		} else {
			merged = append(merged, entry)
		}
		seen[key] = true
	}
	for _, entry := range overlay {
		key, _, _ := strings.Cut(entry, "=")
		if !seen[key] {
			merged = append(merged, entry)
		}
	}
	return merged
}

func isNewestBuild(filePath string, timestamp int64) bool {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return true
	}

	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return true
	}

	return ts <= timestamp
}

// buildIdentity names one build for locking and the stale-build guard.
func buildIdentity(r *recipe.Recipe, baseDigest digest.Digest) digest.Digest {
	return cacheKey("build", baseDigest,
		[]byte(r.WorkDir),
		[]byte(r.Manifest),
		[]byte(strings.Join(r.SystemPackages, "\n")),
		[]byte(strings.Join(r.Entrypoint, "\n")),
		[]byte(strings.Join(r.Cmd, "\n")),
	)
}
