package pathguard

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/oubliette/outcome"
)

// Default roots
const (
	DefaultOutputRoot = "/outputs"
	DefaultDataRoot   = "/app/data"
)

// DefaultSingleFileMounts are input files accepted outside the data root in strict mode.
var DefaultSingleFileMounts = []string{"/app/data.csv"}

// AllowedExtensions are the file types a single-file input may have.
var AllowedExtensions = []string{
	"csv", "json", "txt", "parquet", "arrow",
	"jpg", "jpeg", "png", "bmp", "gif", "tiff",
	"mp4", "avi", "mov", "mkv",
	"zip", "tar", "gz",
}

// Config holds the filesystem boundaries
type Config struct {
	OutputRoot       string
	DataRoot         string
	StrictDataRoot   bool
	SingleFileMounts []string
}

// DefaultConfig returns the standard container layout.
func DefaultConfig() Config {
	return Config{
		OutputRoot:       DefaultOutputRoot,
		DataRoot:         DefaultDataRoot,
		SingleFileMounts: slices.Clone(DefaultSingleFileMounts),
	}
}

// Validator enforces the path and dataset boundaries.
type Validator struct {
	logger *zap.Logger
	config Config
	limits DatasetLimits
}

// DatasetLimits bounds a dataset directory.
type DatasetLimits struct {
	MaxFiles int
	MaxBytes int64
}

// NewValidator creates a Validator.
func NewValidator(logger *zap.Logger, config Config, limits DatasetLimits) *Validator {
	if config.OutputRoot == "" {
		config.OutputRoot = DefaultOutputRoot
	}
	if config.DataRoot == "" {
		config.DataRoot = DefaultDataRoot
	}
	if !config.StrictDataRoot {
		logger.Warn("input paths are not confined to the data root",
			zap.String("data_root", config.DataRoot))
	}
	return &Validator{logger: logger, config: config, limits: limits}
}

// ValidateOutputPath accepts path only if, with symlinks resolved, it is the
// output root or lies beneath it.
func (v *Validator) ValidateOutputPath(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return outcome.Errorf(outcome.CategoryPathViolation, "cannot resolve output path %s: %w", path, err)
	}
	root, err := resolve(v.config.OutputRoot)
	if err != nil {
		return outcome.Errorf(outcome.CategoryInternal, "cannot resolve output root %s: %w", v.config.OutputRoot, err)
	}
	if !within(root, resolved) {
		return outcome.Errorf(outcome.CategoryPathViolation, "output path outside sandbox: %s", resolved)
	}
	return nil
}

// ValidateInputPath checks a dataset path. Existing regular files must carry an
// allowed extension; directories and absent paths are not checked here.
func (v *Validator) ValidateInputPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return outcome.Errorf(outcome.CategoryPathViolation, "cannot resolve input path %s: %w", path, err)
	}

	if v.config.StrictDataRoot {
		if err := v.checkDataRoot(abs); err != nil {
			return err
		}
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return outcome.Errorf(outcome.CategoryPathViolation, "cannot stat input path %s: %w", abs, err)
	case !info.Mode().IsRegular():
		return nil
	}

	ext := extension(abs)
	if !slices.Contains(AllowedExtensions, ext) {
		return outcome.Errorf(outcome.CategoryPathViolation, "file type .%s not allowed", ext)
	}
	return nil
}

func (v *Validator) checkDataRoot(abs string) error {
	resolved, err := resolve(abs)
	if err != nil {
		return outcome.Errorf(outcome.CategoryPathViolation, "cannot resolve input path %s: %w", abs, err)
	}
	for _, mount := range v.config.SingleFileMounts {
		if m, err := resolve(mount); err == nil && m == resolved {
			return nil
		}
	}
	root, err := resolve(v.config.DataRoot)
	if err != nil {
		return outcome.Errorf(outcome.CategoryInternal, "cannot resolve data root %s: %w", v.config.DataRoot, err)
	}
	if !within(root, resolved) {
		return outcome.Errorf(outcome.CategoryPathViolation, "input path outside data root: %s", resolved)
	}
	return nil
}

// extension is the lowercased text after the last dot of the file name.
func extension(path string) string {
	base := filepath.Base(path)
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

// within reports whether path equals root or is nested under it. Both must be
// clean absolute paths.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve makes path absolute and resolves symlinks in its longest existing
// prefix; components that do not exist yet are appended unchanged.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var missing []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, missing...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}
