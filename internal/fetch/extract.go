package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Extract writes every file of the zip archive at zipPath below destDir and
// returns the written paths. Entries that would land outside destDir are rejected.
// Entry names without the UTF-8 flag are decoded as code page 437, the zip default
// that Windows archivers use for "Generación" and friends.
func Extract(zipPath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", zipPath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", destDir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}

	var written []string
	for _, f := range zr.File {
		name := entryName(f)
		target := filepath.Join(root, filepath.FromSlash(name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return written, fmt.Errorf("archive entry %q escapes %s", name, root)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func entryName(f *zip.File) string {
	if !f.NonUTF8 {
		return f.Name
	}
	decoded, err := charmap.CodePage437.NewDecoder().String(f.Name)
	if err != nil {
		return f.Name
	}
	return decoded
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// Unpack extracts zipPath into destDir and deletes zipPath afterwards. The
// archive is only removed when extraction succeeded; on failure it stays on
// disk for inspection and the next run.
func Unpack(zipPath, destDir string) ([]string, error) {
	files, err := Extract(zipPath, destDir)
	if err != nil {
		return files, err
	}
	if err := os.Remove(zipPath); err != nil {
		return files, fmt.Errorf("remove archive %s: %w", zipPath, err)
	}
	return files, nil
}
