package pathguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/oubliette/outcome"
)

func newTestValidator(t *testing.T, cfg Config, limits DatasetLimits) *Validator {
	t.Helper()
	return NewValidator(zaptest.NewLogger(t), cfg, limits)
}

func TestValidateOutputPath(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "existing"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	v := newTestValidator(t, Config{OutputRoot: root}, DatasetLimits{})

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"root itself", root, true},
		{"existing child", filepath.Join(root, "existing"), true},
		{"not yet created child", filepath.Join(root, "job", "model"), true},
		{"dot dot escape", filepath.Join(root, "..", "elsewhere"), false},
		{"sibling with shared prefix", root + "-evil", false},
		{"symlink escape", filepath.Join(root, "escape", "model"), false},
		{"unrelated absolute", "/etc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateOutputPath(tt.path)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, outcome.CategoryPathViolation, outcome.CategoryOf(err))
			assert.Contains(t, err.Error(), "output path outside sandbox")
		})
	}
}

func TestValidateInputPath(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		return p
	}

	v := newTestValidator(t, DefaultConfig(), DatasetLimits{})

	t.Run("allowed extensions", func(t *testing.T) {
		for _, name := range []string{"train.csv", "DATA.JSON", "archive.tar.gz", "clip.MKV"} {
			assert.NoError(t, v.ValidateInputPath(write(name)), name)
		}
	})

	t.Run("disallowed extensions", func(t *testing.T) {
		for _, name := range []string{"evil.py", "lib.so", "noext", "weights.pkl"} {
			err := v.ValidateInputPath(write(name))
			require.Error(t, err, name)
			assert.Equal(t, outcome.CategoryPathViolation, outcome.CategoryOf(err))
			assert.Contains(t, err.Error(), "not allowed")
		}
	})

	t.Run("directories are not extension checked", func(t *testing.T) {
		sub := filepath.Join(dir, "images.d")
		require.NoError(t, os.Mkdir(sub, 0o755))
		assert.NoError(t, v.ValidateInputPath(sub))
	})

	t.Run("absent paths pass", func(t *testing.T) {
		assert.NoError(t, v.ValidateInputPath(filepath.Join(dir, "missing.exe")))
	})
}

func TestValidateInputPathStrict(t *testing.T) {
	dataRoot := t.TempDir()
	other := t.TempDir()
	mount := filepath.Join(other, "data.csv")
	require.NoError(t, os.WriteFile(mount, []byte("a,b"), 0o644))
	inside := filepath.Join(dataRoot, "train.csv")
	require.NoError(t, os.WriteFile(inside, []byte("a,b"), 0o644))
	stray := filepath.Join(other, "stray.csv")
	require.NoError(t, os.WriteFile(stray, []byte("a,b"), 0o644))

	v := newTestValidator(t, Config{
		OutputRoot:       t.TempDir(),
		DataRoot:         dataRoot,
		StrictDataRoot:   true,
		SingleFileMounts: []string{mount},
	}, DatasetLimits{})

	assert.NoError(t, v.ValidateInputPath(inside))
	assert.NoError(t, v.ValidateInputPath(dataRoot))
	assert.NoError(t, v.ValidateInputPath(mount))

	err := v.ValidateInputPath(stray)
	require.Error(t, err)
	assert.Equal(t, outcome.CategoryPathViolation, outcome.CategoryOf(err))
	assert.Contains(t, err.Error(), "outside data root")
}

func TestScanDataset(t *testing.T) {
	ctx := context.Background()

	t.Run("absent dataset passes", func(t *testing.T) {
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 1, MaxBytes: 1})
		stats, err := v.ScanDataset(ctx, filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.Equal(t, DatasetStats{}, stats)
	})

	t.Run("single file size", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "data.csv")
		require.NoError(t, os.WriteFile(file, make([]byte, 100), 0o644))

		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 1, MaxBytes: 100})
		stats, err := v.ScanDataset(ctx, file)
		require.NoError(t, err)
		assert.Equal(t, int64(100), stats.Bytes)

		v = newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 1, MaxBytes: 99})
		_, err = v.ScanDataset(ctx, file)
		require.Error(t, err)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
	})

	t.Run("directory within limits", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "one.csv"), make([]byte, 10), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "two.csv"), make([]byte, 20), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "three.csv"), make([]byte, 30), 0o644))

		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 5, MaxBytes: 60})
		stats, err := v.ScanDataset(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, DatasetStats{Files: 3, Dirs: 2, Bytes: 60}, stats)

		v = newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 4, MaxBytes: 60})
		_, err = v.ScanDataset(ctx, dir)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
	})

	t.Run("byte ceiling", func(t *testing.T) {
		dir := t.TempDir()
		for i := range 4 {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d.bin", i)), make([]byte, 10), 0o644))
		}
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 100, MaxBytes: 35})
		_, err := v.ScanDataset(ctx, dir)
		require.Error(t, err)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
		assert.Contains(t, err.Error(), "size limit")
	})

	t.Run("file ceiling stops the walk early", func(t *testing.T) {
		dir := t.TempDir()
		const ceiling = 10
		for i := range 3 * readBatch {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%04d.txt", i)), nil, 0o644))
		}
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: ceiling, MaxBytes: 1 << 30})
		stats, err := v.ScanDataset(ctx, dir)
		require.Error(t, err)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
		assert.Contains(t, err.Error(), "too many entries")
		assert.Equal(t, ceiling+1, stats.Files)
	})

	t.Run("empty directories count toward the ceiling", func(t *testing.T) {
		dir := t.TempDir()
		const ceiling = 10
		for i := range 2 * readBatch {
			require.NoError(t, os.Mkdir(filepath.Join(dir, fmt.Sprintf("d%04d", i)), 0o755))
		}
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: ceiling, MaxBytes: 1 << 30})
		stats, err := v.ScanDataset(ctx, dir)
		require.Error(t, err)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
		assert.Contains(t, err.Error(), "too many entries")
		assert.Equal(t, DatasetStats{Dirs: ceiling + 1}, stats)
	})

	t.Run("nested directory chain counts toward the ceiling", func(t *testing.T) {
		dir := t.TempDir()
		deep := dir
		for range 6 {
			deep = filepath.Join(deep, "d")
		}
		require.NoError(t, os.MkdirAll(deep, 0o755))
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 5, MaxBytes: 1 << 30})
		stats, err := v.ScanDataset(ctx, dir)
		require.Error(t, err)
		assert.Equal(t, outcome.CategoryDatasetViolation, outcome.CategoryOf(err))
		assert.Equal(t, 6, stats.Dirs)
	})

	t.Run("symlinks are not followed", func(t *testing.T) {
		big := t.TempDir()
		for i := range 5 {
			require.NoError(t, os.WriteFile(filepath.Join(big, fmt.Sprintf("f%d", i)), make([]byte, 100), 0o644))
		}
		dir := t.TempDir()
		require.NoError(t, os.Symlink(big, filepath.Join(dir, "link")))

		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 2, MaxBytes: 10})
		stats, err := v.ScanDataset(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, DatasetStats{Files: 1}, stats)
	})

	t.Run("cancelled scan", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		v := newTestValidator(t, DefaultConfig(), DatasetLimits{MaxFiles: 2, MaxBytes: 10})
		_, err := v.ScanDataset(cctx, t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
