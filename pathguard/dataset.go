package pathguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/isdmx/oubliette/outcome"
)

// readBatch is how many directory entries are read per call.
const readBatch = 256

// DatasetStats is what a scan saw before it finished or stopped. Files and
// Dirs together are bounded by DatasetLimits.MaxFiles.
type DatasetStats struct {
	Files int
	Dirs  int
	Bytes int64
}

// ScanDataset enforces the dataset ceilings. An absent path passes, a file is
// checked for size only, and a directory is walked without following symlinks.
// The walk stops at the first entry that crosses a ceiling, so its cost is
// bounded by the ceiling rather than by the size of the tree.
func (v *Validator) ScanDataset(ctx context.Context, path string) (DatasetStats, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DatasetStats{}, nil
	}
	if err != nil {
		return DatasetStats{}, outcome.Errorf(outcome.CategoryDatasetViolation, "cannot stat dataset %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if info, err = os.Stat(path); err != nil {
			return DatasetStats{}, outcome.Errorf(outcome.CategoryDatasetViolation, "cannot stat dataset %s: %w", path, err)
		}
	}

	if !info.IsDir() {
		stats := DatasetStats{Files: 1, Bytes: info.Size()}
		if v.limits.MaxBytes > 0 && stats.Bytes > v.limits.MaxBytes {
			return stats, outcome.Errorf(outcome.CategoryDatasetViolation,
				"dataset exceeds size limit (%d bytes)", v.limits.MaxBytes)
		}
		return stats, nil
	}

	s := &scanner{limits: v.limits}
	err = s.walk(ctx, path)
	if err != nil {
		v.logger.Warn("dataset rejected",
			zap.String("dataset", path),
			zap.Int("files_seen", s.stats.Files),
			zap.Int("dirs_seen", s.stats.Dirs),
			zap.Int64("bytes_seen", s.stats.Bytes),
			zap.Error(err))
		return s.stats, err
	}
	v.logger.Debug("dataset scanned",
		zap.String("dataset", path),
		zap.Int("files", s.stats.Files),
		zap.Int("dirs", s.stats.Dirs),
		zap.Int64("bytes", s.stats.Bytes))
	return s.stats, nil
}

type scanner struct {
	limits DatasetLimits
	stats  DatasetStats
}

// walk visits directories depth-first from an explicit stack.
func (s *scanner) walk(ctx context.Context, root string) error {
	pending := []string{root}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return outcome.Errorf(outcome.CategoryInternal, "dataset scan interrupted: %w", err)
		}
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		subdirs, err := s.scanDir(dir)
		if err != nil {
			return err
		}
		pending = append(pending, subdirs...)
	}
	return nil
}

func (s *scanner) scanDir(dir string) ([]string, error) {
	f, err := os.Open(dir) //nolint:gosec // dataset paths are validated before scanning
	if err != nil {
		return nil, outcome.Errorf(outcome.CategoryDatasetViolation, "cannot read dataset directory %s: %w", dir, err)
	}
	defer f.Close()

	var subdirs []string
	for {
		entries, err := f.ReadDir(readBatch)
		for _, e := range entries {
			if err := s.add(dir, e); err != nil {
				return nil, err
			}
			if e.IsDir() {
				subdirs = append(subdirs, filepath.Join(dir, e.Name()))
			}
		}
		if errors.Is(err, io.EOF) {
			return subdirs, nil
		}
		if err != nil {
			return nil, outcome.Errorf(outcome.CategoryDatasetViolation, "cannot read dataset directory %s: %w", dir, err)
		}
	}
}

// add counts one entry. Symlinks count as files of zero size.
func (s *scanner) add(dir string, e fs.DirEntry) error {
	if e.IsDir() {
		s.stats.Dirs++
	} else {
		s.stats.Files++
	}
	if s.limits.MaxFiles > 0 && s.stats.Files+s.stats.Dirs > s.limits.MaxFiles {
		return outcome.Errorf(outcome.CategoryDatasetViolation,
			"dataset contains too many entries (>%d)", s.limits.MaxFiles)
	}
	if !e.Type().IsRegular() {
		return nil
	}
	info, err := e.Info()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return outcome.Errorf(outcome.CategoryDatasetViolation, "cannot stat %s: %w", filepath.Join(dir, e.Name()), err)
	}
	s.stats.Bytes += info.Size()
	if s.limits.MaxBytes > 0 && s.stats.Bytes > s.limits.MaxBytes {
		return outcome.Errorf(outcome.CategoryDatasetViolation,
			"dataset directory exceeds size limit (%d bytes)", s.limits.MaxBytes)
	}
	return nil
}

// String formats the stats for logs.
func (d DatasetStats) String() string {
	return fmt.Sprintf("%d files, %d dirs, %d bytes", d.Files, d.Dirs, d.Bytes)
}
