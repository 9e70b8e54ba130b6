package oci

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistrySource fetches the base image from a container registry using
// go-containerregistry. It implements the BaseImageSource interface.
//
// Image references need to be fully qualified like docker.io/library/python:3.11-slim
//
// GetBase() downloads the image manifest, config, and layer metadata from
// the registry. The actual layer content is not downloaded until the layers
// are read during publishing.
type RegistrySource struct {
	imageRef name.Reference
}

// NewRegistrySource creates a new source for the given base image reference
// ref can be:
//   - "python:3.11-slim" (defaults to docker.io/library)
//   - "docker.io/python:3.11-slim"
//   - "ghcr.io/owner/repo:tag"
//   - "localhost:5000/image:tag"
func NewRegistrySource(imageRef string) (BaseImageSource, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// If first component has no dots or colons, prepend docker.io
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reference %q: %w", ErrBaseImageUnavailable, imageRef, err)
	}

	return &RegistrySource{
		imageRef: ref,
	}, nil
}

func (s *RegistrySource) Info() string {
	return s.imageRef.String()
}

// GetBase fetches the base image from the registry for the current platform
func (s *RegistrySource) GetBase(ctx context.Context) (*Image, error) {
	platformStr := fmt.Sprintf("linux/%s", runtime.GOARCH)
	platform, err := v1.ParsePlatform(platformStr)
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(s.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrBaseImageUnavailable, s.imageRef.String(), err)
	}

	return FromRaw(img)
}

// FromRaw builds an Image summary around a go-containerregistry image.
func FromRaw(img v1.Image) (*Image, error) {
	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	config, err := parseImageConfig(img)
	if err != nil {
		return nil, fmt.Errorf("parse image config: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	// Manifest size covers config plus all layer blobs
	manifestSize := manifest.Config.Size
	for _, layer := range manifest.Layers {
		manifestSize += layer.Size
	}

	return &Image{
		Digest: digest.Digest(dgst.String()),
		Config: config,
		Layers: WrapLayers(layers),
		Manifest: &Manifest{
			MediaType: string(manifest.MediaType),
			Size:      manifestSize,
		},
		raw: img,
	}, nil
}

// parseImageConfig extracts the OCI config from the image
func parseImageConfig(img v1.Image) (*ImageConfig, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config file: %w", err)
	}

	if cfgFile == nil {
		return nil, fmt.Errorf("no config file in image")
	}

	cfg := cfgFile.Config

	return &ImageConfig{
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}, nil
}

// NoOpBaseSource for testing
type NoOpBaseSource struct{}

func NewNoOpBaseSource() *NoOpBaseSource {
	return &NoOpBaseSource{}
}

func (s *NoOpBaseSource) Info() string {
	return "registry.com/noop-base:latest"
}

func (s *NoOpBaseSource) GetBase(ctx context.Context) (*Image, error) {
	// Empty image with the default shell config, enough to run the pipeline
	img, err := FromRaw(empty.Image)
	if err != nil {
		return nil, err
	}
	img.Config = &ImageConfig{
		Env:        []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
		WorkingDir: "/",
		User:       "root",
	}
	return img, nil
}
