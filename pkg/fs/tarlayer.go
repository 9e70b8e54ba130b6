// Package fs provides filesystem operations for assembling and unpacking
// container image layers.
//
// Layer construction is deterministic: entries are written in sorted order
// with zeroed timestamps and ownership, so the same staging directory
// content always produces bit-identical layer bytes. This keeps dependency
// layers reproducible and cacheable across rebuilds.
package fs

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// layerEpoch is the fixed modification time stamped on every tar entry.
var layerEpoch = time.Unix(0, 0)

// WriteLayerTar writes the contents of dir as a compressed tar stream to w.
// Entries are rooted at prefix inside the layer, e.g. prefix "app" places
// dir/main.py at app/main.py.
func WriteLayerTar(w io.Writer, dir, prefix string) error {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	// WalkDir visits entries in lexical order, which fixes the layer layout
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tarWriter.WriteHeader(normalizedHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
			}))

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", p, err)
			}
			return tarWriter.WriteHeader(normalizedHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Linkname: target,
				Mode:     0o777,
			}))

		case info.Mode().IsRegular():
			if err := tarWriter.WriteHeader(normalizedHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeReg,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
			})); err != nil {
				return err
			}

			file, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tarWriter, file)
			file.Close()
			return err

		default:
			// Sockets, pipes and device nodes have no place in a layer
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("walk staging dir: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	return nil
}

func normalizedHeader(header *tar.Header) *tar.Header {
	header.ModTime = layerEpoch
	header.Uid = 0
	header.Gid = 0
	header.Uname = ""
	header.Gname = ""
	header.Format = tar.FormatPAX
	return header
}

// LayerFromDir writes dir as a deterministic tar.gz at outPath and returns
// it as an image layer. The file at outPath must stay in place for the
// lifetime of the layer.
func LayerFromDir(dir, prefix, outPath string) (v1.Layer, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outPath), "*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create layer file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := WriteLayerTar(tmp, dir, prefix); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write layer tar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close layer file: %w", err)
	}

	if err := os.Rename(tmpName, outPath); err != nil {
		return nil, fmt.Errorf("publish layer file: %w", err)
	}

	return tarball.LayerFromFile(outPath)
}
