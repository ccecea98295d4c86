package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File permissions for extracted and written files
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Create(filename string, perm os.FileMode) (io.WriteCloser, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) Create(filename string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm) //nolint:gosec // path checked by caller
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// ExtractLimits bounds what ExtractTarToDir will write. Zero means unbounded.
type ExtractLimits struct {
	MaxFiles int
	MaxBytes int64
}

// ErrArchiveTooLarge is returned when an archive exceeds its ExtractLimits.
var ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")

// ExtractTarToDir extracts tar.gz data into destDir. Entries that would land
// outside destDir, absolute names and anything other than plain files and
// directories are rejected.
func ExtractTarToDir(fsys FileSystem, tarData []byte, destDir string, limits ExtractLimits) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	root := filepath.Clean(destDir)

	var files int
	var written int64
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		target := filepath.Join(root, filepath.Clean(header.Name))
		if rel, err := filepath.Rel(root, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			files++
			if limits.MaxFiles > 0 && files > limits.MaxFiles {
				return fmt.Errorf("%w: more than %d files", ErrArchiveTooLarge, limits.MaxFiles)
			}
			if err := fsys.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}
			n, err := extractFile(fsys, tarReader, target, remaining(limits.MaxBytes, written))
			written += n
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}

func remaining(max, used int64) int64 {
	if max <= 0 {
		return -1
	}
	return max - used
}

// extractFile copies one entry to target, refusing to write more than budget
// bytes (a negative budget is unbounded).
func extractFile(fsys FileSystem, r io.Reader, target string, budget int64) (int64, error) {
	out, err := fsys.Create(target, FilePermission)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if budget < 0 {
		n, err := io.Copy(out, r)
		if err != nil {
			return n, fmt.Errorf("failed to write file: %w", err)
		}
		return n, nil
	}
	n, err := io.CopyN(out, r, budget+1)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: more than %d bytes", ErrArchiveTooLarge, budget)
	}
	return n, nil
}

// CreateTarFromDirWithExcludes packs srcDir into a tar.gz archive, skipping
// entries matched by excludePatterns and regular files larger than maxFileSize
// (zero disables the size check). Symlinks are not followed or archived.
func CreateTarFromDirWithExcludes(srcDir string, excludePatterns []string, maxFileSize int64) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if shouldExcludeFile(relPath, d.IsDir(), excludePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.IsDir() && maxFileSize > 0 && fi.Size() > maxFileSize {
			return nil
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		f, err := os.Open(path) //nolint:gosec // walking a directory we own
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tarWriter, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shouldExcludeFile matches relPath against exclude patterns. A pattern ending
// in "/" names a directory at any depth; any other pattern is a glob matched
// against the base name. Malformed globs match nothing.
func shouldExcludeFile(relPath string, isDir bool, patterns []string) bool {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	base := parts[len(parts)-1]
	for _, pattern := range patterns {
		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			dirs := parts
			if !isDir {
				dirs = parts[:len(parts)-1]
			}
			for _, p := range dirs {
				if p == dir {
					return true
				}
			}
			continue
		}
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}
