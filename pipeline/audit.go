package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact names in the output directory
const (
	AuditLogFile = "audit.log"
	ManifestFile = "manifest.json"
)

// auditLog prefixes each line written to it with a UTC timestamp. It is safe
// for concurrent use by the stdout and stderr copiers.
type auditLog struct {
	mu      sync.Mutex
	w       io.Writer
	now     func() time.Time
	midLine bool
}

func newAuditLog(w io.Writer, now func() time.Time) *auditLog {
	return &auditLog{w: w, now: now}
}

func (a *auditLog) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf bytes.Buffer
	for rest := p; len(rest) > 0; {
		if !a.midLine {
			fmt.Fprintf(&buf, "[%s] ", a.now().UTC().Format(time.RFC3339Nano))
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			buf.Write(rest)
			a.midLine = true
			break
		}
		buf.Write(rest[:i+1])
		a.midLine = false
		rest = rest[i+1:]
	}
	if _, err := a.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Note appends a system line to the log.
func (a *auditLog) Note(format string, args ...any) {
	a.mu.Lock()
	if a.midLine {
		_, _ = io.WriteString(a.w, "\n")
		a.midLine = false
	}
	a.mu.Unlock()
	fmt.Fprintf(a, "[SYSTEM] %s\n", fmt.Sprintf(format, args...))
}

// Manifest seals a run's evidence.
type Manifest struct {
	JobID          string    `json:"job_id"`
	Timestamp      time.Time `json:"timestamp"`
	Mode           string    `json:"mode"`
	Dataset        string    `json:"dataset"`
	Status         string    `json:"status"`
	ExitCode       int       `json:"exit_code"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	ScriptSHA256   string    `json:"script_sha256"`
	AuditLog       string    `json:"audit_log,omitempty"`
	AuditLogSHA256 string    `json:"audit_log_sha256,omitempty"`
}

// WriteManifest stores m as indented JSON in dir.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil { //nolint:gosec // artifacts are meant to be readable
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // reading our own artifact
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // hashing a known artifact
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
