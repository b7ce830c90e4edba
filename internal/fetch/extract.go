package fetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractLocks serializes extraction per appliance path. Builds sharing a
// base image extract the same archive into the same workdir concurrently.
var extractLocks pathLocks

// ExtractImage unpacks a zipped image archive into destDir and returns the
// path of the contained .ova appliance. Extraction is skipped when the
// appliance is already present from a previous run. Archives that are
// already plain .ova files are returned as-is.
func ExtractImage(archivePath, destDir string) (string, error) {
	if strings.EqualFold(filepath.Ext(archivePath), ".ova") {
		return archivePath, nil
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open image archive %s: %w", archivePath, err)
	}
	defer r.Close()

	var ovaName string
	for _, f := range r.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".ova") {
			ovaName = f.Name
			break
		}
	}
	if ovaName == "" {
		return "", fmt.Errorf("image archive %s contains no .ova appliance", archivePath)
	}

	ovaPath, err := safeJoin(destDir, ovaName)
	if err != nil {
		return "", err
	}

	// Single-writer per appliance: with the lock held, entries landing via
	// rename below mean the stat can only ever see a complete file.
	unlock := extractLocks.lock(ovaPath)
	defer unlock()

	if _, err := os.Stat(ovaPath); err == nil {
		return ovaPath, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create extraction dir %s: %w", destDir, err)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return "", err
		}
		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	return ovaPath, nil
}

// extractFile writes the entry to a .partial sibling and renames into
// place, so the target path never holds a torn write.
func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", target, err)
	}

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer in.Close()

	partial := target + ".partial"
	defer os.Remove(partial)

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("flush %s: %w", partial, err)
	}
	if err := os.Rename(partial, target); err != nil {
		return fmt.Errorf("finalize %s: %w", target, err)
	}
	return nil
}

// safeJoin rejects archive entries that would escape the destination dir.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction dir", name)
	}
	return target, nil
}
