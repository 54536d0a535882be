package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec used when writing a package archive.
type Compression string

const (
	// Gzip writes a .tar.gz archive.
	Gzip Compression = "gzip"
	// Zstd writes a .tar.zst archive.
	Zstd Compression = "zstd"
)

// CreateOptions configures Create.
type CreateOptions struct {
	// Compression selects the tar stream codec. Defaults to Zstd.
	Compression Compression
	// Manifest, when non-nil, is written as "manifest.json" at the tar root
	// before the staged files, so readers see it first.
	Manifest []byte
}

// Create packages the contents of srcDir into a tar archive at destPath,
// writing to a temporary file in the same directory first and renaming into
// place so a reader never observes a partially-written archive.
func Create(srcDir, destPath string, opts CreateOptions) error {
	if opts.Compression == "" {
		opts.Compression = Zstd
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeArchive(tmp, srcDir, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("rename temp archive into place: %w", err)
	}
	return nil
}

func writeArchive(w io.Writer, srcDir string, opts CreateOptions) error {
	var compressed io.WriteCloser
	switch opts.Compression {
	case Gzip:
		compressed = gzip.NewWriter(w)
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		compressed = zw
	default:
		return fmt.Errorf("unsupported compression: %s", opts.Compression)
	}

	tw := tar.NewWriter(compressed)

	if opts.Manifest != nil {
		hdr := &tar.Header{
			Name: "manifest.json",
			Mode: 0644,
			Size: int64(len(opts.Manifest)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write manifest header: %w", err)
		}
		if _, err := tw.Write(opts.Manifest); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}

	var paths []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk staging tree: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := addTarEntry(tw, srcDir, path); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return compressed.Close()
}

func addTarEntry(tw *tar.Writer, srcDir, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	rel, err := filepath.Rel(srcDir, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("build tar header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name = strings.TrimSuffix(hdr.Name, "/") + "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", rel, err)
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("write tar content for %s: %w", rel, err)
		}
	}
	return nil
}
