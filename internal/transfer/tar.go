package transfer

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTar unpacks a .tar or .tar.gz/.tgz archive at src into destDir,
// the Go equivalent of tarfile.open(dst_path).extractall(path=extract_dir).
// No third-party archive library appears anywhere in the example corpus
// (see DESIGN.md), so this uses the standard library directly.
func extractTar(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("transfer: open tarfile %s: %w", src, err)
	}
	defer f.Close()

	var r io.Reader = f
	lower := strings.ToLower(src)
	if strings.HasSuffix(lower, ".tgz") || strings.HasSuffix(lower, ".tar.gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("transfer: gzip reader for %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("transfer: mkdir %s: %w", destDir, err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transfer: read tar entry: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("transfer: create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("transfer: write %s: %w", target, err)
			}
			out.Close()
		}
	}
}

// safeJoin joins destDir and name, rejecting entries that would escape
// destDir via ".." path components (a zip-slip style tar hazard).
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("transfer: tar entry %q escapes destination directory", name)
	}
	return target, nil
}
