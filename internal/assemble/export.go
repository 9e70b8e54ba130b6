package assemble

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/kilnbuild/kiln/pkg/fs"
	"github.com/kilnbuild/kiln/pkg/oci"
)

// Export flattens a published image tarball into a rootfs directory and
// writes the image's runtime contract (env and argv) next to it, so the
// environment declared at build time is observable by whatever launches
// the entry command.
func Export(ctx context.Context, imagePath, destDir string) (*oci.Image, error) {
	raw, err := tarball.ImageFromPath(imagePath, nil)
	if err != nil {
		return nil, fmt.Errorf("open image tarball %s: %w", imagePath, err)
	}

	img, err := oci.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", imagePath, err)
	}

	flattener := fs.NewLayerFlattener()
	if err := flattener.Unpack(ctx, img.Layers, destDir); err != nil {
		return nil, fmt.Errorf("unpack image: %w", err)
	}

	if err := fs.WriteRunConfig(ctx, img.Config, destDir); err != nil {
		return nil, fmt.Errorf("write run config: %w", err)
	}

	return img, nil
}
