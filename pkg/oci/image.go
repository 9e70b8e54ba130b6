package oci

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// Image represents a resolved OCI image with its metadata and layers
type Image struct {
	Digest   digest.Digest
	Config   *ImageConfig
	Layers   []Layer
	Manifest *Manifest

	raw v1.Image
}

// Raw returns the underlying go-containerregistry image for layer
// composition and publishing.
func (i *Image) Raw() v1.Image {
	return i.raw
}

// ImageConfig contains OCI runtime configuration
type ImageConfig struct {
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
}

// Manifest represents the OCI manifest
type Manifest struct {
	MediaType string
	Size      int64
}
