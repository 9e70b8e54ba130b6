package assemble

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"

	"github.com/kilnbuild/kiln/pkg/fs"
)

// LayerCache stores built layer tarballs content-addressed by their build
// inputs. A dependency layer keyed by (base digest, package list or
// manifest bytes) survives source-only rebuilds untouched, so those
// rebuilds never re-run package installation.
type LayerCache struct {
	dir string
}

func NewLayerCache(dir string) *LayerCache {
	return &LayerCache{dir: dir}
}

// cacheKey derives the content address for one build step from everything
// that influences its layer bytes.
func cacheKey(kind string, baseDigest digest.Digest, inputs ...[]byte) digest.Digest {
	var buf bytes.Buffer
	buf.WriteString(kind)
	buf.WriteByte(0)
	buf.WriteString(baseDigest.String())
	for _, input := range inputs {
		buf.WriteByte(0)
		buf.Write(input)
	}
	return digest.FromBytes(buf.Bytes())
}

func (c *LayerCache) path(key digest.Digest) string {
	return filepath.Join(c.dir, key.Hex()+".tar.gz")
}

// Get returns the cached layer for key, if present.
func (c *LayerCache) Get(key digest.Digest) (v1.Layer, bool, error) {
	layerPath := c.path(key)
	if _, err := os.Stat(layerPath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat cached layer: %w", err)
	}

	layer, err := tarball.LayerFromFile(layerPath)
	if err != nil {
		return nil, false, fmt.Errorf("open cached layer: %w", err)
	}
	return layer, true, nil
}

// Put seals stageDir into a deterministic layer published under key.
func (c *LayerCache) Put(key digest.Digest, stageDir, prefix string) (v1.Layer, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	layer, err := fs.LayerFromDir(stageDir, prefix, c.path(key))
	if err != nil {
		return nil, fmt.Errorf("seal layer %s: %w", key.Hex()[:12], err)
	}
	return layer, nil
}
