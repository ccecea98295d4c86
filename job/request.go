package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// Mode selects the entry-point contract the script must implement.
type Mode string

// Execution modes
const (
	ModeTrain     Mode = "train"
	ModeAgent     Mode = "agent"
	ModeInference Mode = "inference"
)

// DefaultDatasetType is passed to train() when the caller gives no hint.
const DefaultDatasetType = "auto"

// ParseMode validates a mode name. The empty string selects train.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeTrain, nil
	case ModeTrain, ModeAgent, ModeInference:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode: %s, must be one of: train, agent, inference", s)
	}
}

// Spec is the caller-supplied input a Request is built from.
type Spec struct {
	ID          string
	ScriptPath  string
	DatasetPath string
	OutputPath  string
	Params      map[string]any
	DatasetType string
	Mode        Mode
	DeviceID    string
	MaxSeconds  int
}

// Request is an immutable description of one execution. Build it with New.
type Request struct {
	id          string
	scriptPath  string
	datasetPath string
	outputPath  string
	params      map[string]any
	datasetType string
	mode        Mode
	deviceID    string
	maxSeconds  int
}

// New validates spec and returns a Request. Missing optional fields take their
// defaults: a fresh uuid, dataset type "auto", mode train, DefaultMaxSeconds.
func New(spec Spec) (Request, error) {
	if spec.ScriptPath == "" {
		return Request{}, errors.New("script path is required")
	}
	if spec.DatasetPath == "" {
		return Request{}, errors.New("dataset path is required")
	}
	if spec.OutputPath == "" {
		return Request{}, errors.New("output path is required")
	}
	mode, err := ParseMode(string(spec.Mode))
	if err != nil {
		return Request{}, err
	}
	if spec.MaxSeconds < 0 {
		return Request{}, fmt.Errorf("max seconds must not be negative, got: %d", spec.MaxSeconds)
	}

	req := Request{
		id:          spec.ID,
		scriptPath:  spec.ScriptPath,
		datasetPath: spec.DatasetPath,
		outputPath:  spec.OutputPath,
		params:      maps.Clone(spec.Params),
		datasetType: spec.DatasetType,
		mode:        mode,
		deviceID:    spec.DeviceID,
		maxSeconds:  spec.MaxSeconds,
	}
	if req.id == "" {
		req.id = uuid.NewString()
	}
	if req.params == nil {
		req.params = map[string]any{}
	}
	if req.datasetType == "" {
		req.datasetType = DefaultDatasetType
	}
	if req.maxSeconds == 0 {
		req.maxSeconds = DefaultMaxSeconds
	}
	return req, nil
}

// ParseParams decodes a JSON object of hyperparameters. Empty input yields an
// empty map. Numbers stay json.Number so large integers reach the script intact.
func ParseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("params must be a JSON object: unexpected data after the object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func (r Request) ID() string          { return r.id }
func (r Request) ScriptPath() string  { return r.scriptPath }
func (r Request) DatasetPath() string { return r.datasetPath }
func (r Request) OutputPath() string  { return r.outputPath }
func (r Request) DatasetType() string { return r.datasetType }
func (r Request) Mode() Mode          { return r.mode }
func (r Request) DeviceID() string    { return r.deviceID }
func (r Request) MaxSeconds() int     { return r.maxSeconds }

// Params returns a copy of the hyperparameter mapping.
func (r Request) Params() map[string]any {
	return maps.Clone(r.params)
}
