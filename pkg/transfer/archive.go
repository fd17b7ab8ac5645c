package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// ErrUnsupportedArchive is returned for archive types the worker cannot
// extract.
var ErrUnsupportedArchive = errors.New("unsupported archive type")

// ArchiveKind is an archive format recognised by file extension.
type ArchiveKind string

const (
	ArchiveZip   ArchiveKind = "zip"
	ArchiveTarGz ArchiveKind = "tar.gz"
	ArchiveRar   ArchiveKind = "rar"
)

// DetectArchive maps a storage path to its archive kind.
func DetectArchive(path string) (ArchiveKind, error) {
	lower := strings.ToLower(strings.TrimSpace(path))
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ArchiveZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ArchiveTarGz, nil
	case strings.HasSuffix(lower, ".rar"):
		return ArchiveRar, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Ext(lower))
	}
}

// Extension is the file suffix used for the downloaded archive.
func (k ArchiveKind) Extension() string {
	return "." + string(k)
}

// Extractor unpacks archives into a destination directory.
type Extractor struct {
	// UnrarBinary is the external tool used for rar archives.
	UnrarBinary string
	// MaxBytes bounds the total uncompressed size; zero means unbounded.
	MaxBytes int64
}

// Extract unpacks src into dest according to kind.
func (e Extractor) Extract(ctx context.Context, kind ArchiveKind, src, dest string) error {
	switch kind {
	case ArchiveZip:
		return e.extractZip(src, dest)
	case ArchiveTarGz:
		return e.extractTarGz(src, dest)
	case ArchiveRar:
		return e.extractRar(ctx, src, dest)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, kind)
	}
}

func (e Extractor) extractZip(src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	budget := e.budget()
	for _, file := range reader.File {
		if skipEntry(file.Name) {
			continue
		}
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !file.Mode().IsRegular() {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		err = writeFile(target, rc, file.Mode().Perm(), budget)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e Extractor) extractTarGz(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	budget := e.budget()
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if skipEntry(header.Name) {
			continue
		}
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm(), budget); err != nil {
				return err
			}
		}
	}
}

func (e Extractor) extractRar(ctx context.Context, src, dest string) error {
	binary := e.UnrarBinary
	if binary == "" {
		binary = "unrar"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("rar extraction requires %q, which is not installed: %w", binary, err)
	}
	cmd := exec.CommandContext(ctx, path, "x", "-o+", "-idq", src, dest+string(os.PathSeparator))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", binary, err, strings.TrimSpace(string(out)))
	}
	return removeSkipped(dest)
}

type byteBudget struct {
	remaining int64
	limited   bool
}

func (e Extractor) budget() *byteBudget {
	return &byteBudget{remaining: e.MaxBytes, limited: e.MaxBytes > 0}
}

func writeFile(target string, r io.Reader, perm os.FileMode, budget *byteBudget) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	src := r
	if budget.limited {
		src = io.LimitReader(r, budget.remaining+1)
	}
	n, err := io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(target), err)
	}
	if budget.limited {
		budget.remaining -= n
		if budget.remaining < 0 {
			return errors.New("archive exceeds the maximum extracted size")
		}
	}
	return nil
}

// safeJoin resolves name under dest and rejects entries escaping it.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/\\")))
	target := filepath.Join(dest, cleaned)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

func skipEntry(name string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == "__MACOSX" || part == ".git" || part == ".DS_Store" {
			return true
		}
	}
	return false
}

func removeSkipped(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if skipEntry(entry.Name()) {
			if err := os.RemoveAll(filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// contentRoot unwraps a single top-level directory, which is how most
// downloaded repositories are packaged.
func contentRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// copyTree copies src into dst, overwriting files and leaving dst's .git
// alone.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skipEntry(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		return writeFile(target, in, info.Mode().Perm(), &byteBudget{})
	})
}
