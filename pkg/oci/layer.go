package oci

import (
	"context"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// Layer represents a single OCI layer
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	// Compressed returns a reader for the compressed (tar.gz) layer data
	// The caller must close the reader when done
	Compressed(ctx context.Context) (io.ReadCloser, error)
}

// WrapLayers adapts go-containerregistry layers to the Layer interface.
func WrapLayers(layers []v1.Layer) []Layer {
	wrapped := make([]Layer, len(layers))
	for i, layer := range layers {
		wrapped[i] = &v1LayerAdapter{layer: layer}
	}
	return wrapped
}

// v1LayerAdapter wraps a go-containerregistry layer. Layer content is not
// downloaded until Compressed() is called.
type v1LayerAdapter struct {
	layer v1.Layer
}

func (l *v1LayerAdapter) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	return digest.Digest(dgst.String())
}

func (l *v1LayerAdapter) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *v1LayerAdapter) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

func (l *v1LayerAdapter) Compressed(ctx context.Context) (io.ReadCloser, error) {
	return l.layer.Compressed()
}
