package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/isdmx/oubliette/outcome"
)

// Protocol markers
const (
	MetricsStart = "__METRICS_START__"
	MetricsEnd   = "__METRICS_END__"
	ErrorTag     = "__SECURE_ERROR__"
)

// Keys added to every success payload.
const (
	StatusKey  = "_system_status"
	ElapsedKey = "_elapsed_seconds"
	StatusOK   = "success"
)

// MetricsFile is the artifact a successful run leaves in its output directory.
const MetricsFile = "metrics.json"

// Payload returns metrics augmented with the status flag and whole elapsed
// seconds. The input map is not modified.
func Payload(metrics map[string]any, elapsed time.Duration) map[string]any {
	out := make(map[string]any, len(metrics)+2)
	maps.Copy(out, metrics)
	if elapsed < 0 {
		elapsed = 0
	}
	out[StatusKey] = StatusOK
	out[ElapsedKey] = int64(elapsed / time.Second)
	return out
}

// WriteSuccess writes the payload line for an already augmented mapping.
func WriteSuccess(w io.Writer, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	_, err = fmt.Fprintf(w, "\n%s%s%s\n", MetricsStart, data, MetricsEnd)
	return err
}

// WriteFailure writes the error lines for a failed outcome: the category and
// message first, then any details and trace lines.
func WriteFailure(w io.Writer, o outcome.Outcome) error {
	var b strings.Builder
	b.WriteByte('\n')
	line := func(s string) {
		b.WriteString(ErrorTag)
		b.WriteByte(' ')
		b.WriteString(s)
		b.WriteByte('\n')
	}

	category := o.Category
	if category == "" {
		category = outcome.CategoryInternal
	}
	first, rest, _ := strings.Cut(o.Message, "\n")
	line(fmt.Sprintf("%s: %s", category, first))
	for _, l := range splitLines(rest) {
		line(l)
	}
	for _, d := range o.Details {
		line(d)
	}
	for _, l := range splitLines(o.Trace) {
		line(l)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Write reports o in the protocol. Successful outcomes get their metrics
// augmented with elapsed; the augmented mapping is returned.
func Write(w io.Writer, o outcome.Outcome, elapsed time.Duration) (map[string]any, error) {
	if !o.Succeeded() {
		return nil, WriteFailure(w, o)
	}
	payload := Payload(o.Metrics, elapsed)
	if err := WriteSuccess(w, payload); err != nil {
		// Unencodable metrics must still end in a report.
		failure := outcome.Failure(outcome.CategoryInternal, err.Error(), "")
		return nil, WriteFailure(w, failure)
	}
	return payload, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ArtifactDir is the directory run artifacts are written to: the output path
// itself, unless it names an existing non-directory, in which case its parent.
func ArtifactDir(outputPath string) string {
	info, err := os.Stat(outputPath)
	if err == nil && !info.IsDir() {
		return filepath.Dir(outputPath)
	}
	return outputPath
}

// PersistMetrics writes payload to metrics.json in dir, creating dir if needed.
func PersistMetrics(dir string, payload map[string]any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetricsFile), data, 0o644); err != nil { //nolint:gosec // artifacts are meant to be readable
		return fmt.Errorf("failed to write %s: %w", MetricsFile, err)
	}
	return nil
}

// Report is a run's result as recovered from its output stream.
type Report struct {
	Succeeded bool
	Metrics   map[string]any
	Category  outcome.Category
	// Lines holds the error lines without the marker.
	Lines []string
}

// Message returns the first error line without its category.
func (r Report) Message() string {
	if len(r.Lines) == 0 {
		return ""
	}
	_, msg, found := strings.Cut(r.Lines[0], ": ")
	if !found {
		return r.Lines[0]
	}
	return msg
}

// Parse extracts the last report from output. Error lines count as one report
// when they are consecutive. It fails if output carries no report.
func Parse(output []byte) (Report, error) {
	var (
		report  Report
		found   bool
		inBlock bool
	)

	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")

		if start := strings.Index(text, MetricsStart); start >= 0 {
			body := text[start+len(MetricsStart):]
			if end := strings.LastIndex(body, MetricsEnd); end >= 0 {
				metrics, err := decodeObject(body[:end])
				if err == nil {
					report = Report{Succeeded: true, Metrics: metrics}
					found = true
					inBlock = false
					continue
				}
			}
		}

		rest, ok := strings.CutPrefix(text, ErrorTag+" ")
		if !ok {
			inBlock = false
			continue
		}
		if !inBlock {
			report = Report{}
			inBlock = true
			found = true
		}
		if len(report.Lines) == 0 {
			cat, _, _ := strings.Cut(rest, ":")
			report.Category = outcome.Category(cat)
		}
		report.Lines = append(report.Lines, rest)
	}
	if err := sc.Err(); err != nil {
		return Report{}, fmt.Errorf("failed to read output: %w", err)
	}
	if !found {
		return Report{}, fmt.Errorf("no protocol report found in output")
	}
	return report, nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return m, nil
}
