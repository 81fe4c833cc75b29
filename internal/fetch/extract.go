package fetch

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarGz unpacks a gzipped tarball into dest, rejecting entries that
// would escape the destination.
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("create parent directory for %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o755)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // size bounded by archive cap upstream
				_ = out.Close()
				return fmt.Errorf("write file %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are skipped; source archives only need
			// regular files for compilation.
		}
	}
}

// safeJoin joins name under dest and rejects path traversal.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return filepath.Join(dest, cleaned), nil
}

// stripWrapperDir flattens a single top-level wrapper directory, the layout
// produced by provider tarball endpoints (owner-repo-sha/...).
func stripWrapperDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return fmt.Errorf("read extraction root: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	wrapper := filepath.Join(dest, entries[0].Name())
	inner, err := os.ReadDir(wrapper)
	if err != nil {
		return fmt.Errorf("read wrapper directory: %w", err)
	}
	for _, e := range inner {
		from := filepath.Join(wrapper, e.Name())
		to := filepath.Join(dest, e.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("move %s out of wrapper: %w", e.Name(), err)
		}
	}
	if err := os.Remove(wrapper); err != nil {
		return fmt.Errorf("remove wrapper directory: %w", err)
	}
	return nil
}
