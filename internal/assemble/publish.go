package assemble

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kilnbuild/kiln/pkg/oci"
)

// annotate records provenance on the image manifest.
func annotate(img v1.Image, baseRef string) v1.Image {
	return mutate.Annotations(img, map[string]string{
		ocispec.AnnotationBaseImageName: baseRef,
	}).(v1.Image)
}

// publishImage writes the image as a digest-named tarball in outputDir.
// The write goes to a temporary file first and is published with a rename,
// so a failed or aborted build never leaves a partial image behind.
func publishImage(img *oci.Image, outputDir string) (string, int64, error) {
	digestHex := img.Digest.Hex()

	ref, err := name.NewTag("kiln.local/image:" + digestHex[:12])
	if err != nil {
		return "", 0, fmt.Errorf("name image: %w", err)
	}

	tmpPath := filepath.Join(outputDir, digestHex+"_tmp.tar")
	if err := tarball.WriteToFile(tmpPath, ref, img.Raw()); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write image tarball: %w", err)
	}

	outputPath := filepath.Join(outputDir, digestHex+".tar")
	if err := os.Rename(tmpPath, outputPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("error publishing build result: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", 0, fmt.Errorf("stat published image: %w", err)
	}

	return outputPath, info.Size(), nil
}
