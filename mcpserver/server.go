package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/oubliette/config"
	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/pipeline"
	"github.com/isdmx/oubliette/sandbox"
)

// ToolName is the name of the job submission tool.
const ToolName = "run_sandboxed_job"

// scriptFile is the name submitted scripts are stored under in their workspace.
const scriptFile = "script.py"

// Runner executes one request through every stage.
type Runner interface {
	Run(ctx context.Context, req job.Request, stdout, stderr io.Writer) pipeline.Result
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    Runner
	fs        sandbox.FileSystem
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// ToolResult is the JSON document returned by the tool.
type ToolResult struct {
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	ExitCode int            `json:"exit_code"`
	Output   string         `json:"output"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	// ArtifactsTar is the base64 tar.gz of the job's output directory.
	ArtifactsTar string `json:"artifacts_tar,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner Runner) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
		fs:     sandbox.RealFileSystem{},
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("paths.output_root", cfg.Paths.OutputRoot),
		zap.String("paths.data_root", cfg.Paths.DataRoot),
		zap.String("paths.workspace_root", cfg.Paths.WorkspaceRoot),
		zap.Int("limits.hard_cap_seconds", cfg.Limits.HardCapSeconds),
		zap.Int64("limits.max_memory_bytes", cfg.Limits.MaxMemoryBytes),
		zap.Int("artifacts.max_size_mb", cfg.Artifacts.MaxSizeMB),
	)

	s.mcpServer = server.NewMCPServer("oubliette", "Sandboxed runner for untrusted training scripts")
	s.registerRunSandboxedJobTool()

	return s, nil
}

func (s *MCPServer) registerRunSandboxedJobTool() {
	tool := mcp.Tool{
		Name:        ToolName,
		Description: "Run an untrusted Python train, agent or predict script against a dataset in a resource-limited sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "Python source defining train, run/agent_run or predict",
				},
				"mode": map[string]any{
					"type":        "string",
					"description": "Entry-point contract",
					"enum":        []string{string(job.ModeTrain), string(job.ModeAgent), string(job.ModeInference)},
				},
				"params": map[string]any{
					"type":        "object",
					"description": "Hyperparameters passed to the entry point",
				},
				"dataset": map[string]any{
					"type":        "string",
					"description": "Path of a dataset already present on the server",
				},
				"dataset_tar": map[string]any{
					"type":        "string",
					"description": "Base64-encoded tar.gz of the dataset directory (used instead of dataset)",
				},
				"dataset_type": map[string]any{
					"type":        "string",
					"description": "Dataset type hint passed to train (default auto)",
				},
				"max_seconds": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in seconds, capped by the server",
				},
				"gpu_id": map[string]any{
					"type":        "string",
					"description": "GPU the job may use",
				},
			},
			Required: []string{"script"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunSandboxedJob)
}

// handleRunSandboxedJob stages the script and dataset for one job, runs it and
// returns the protocol output with the job's artifacts.
func (s *MCPServer) handleRunSandboxedJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return nil, fmt.Errorf("script parameter is required: %w", err)
	}
	params, err := paramsArgument(request.GetArguments()["params"])
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := s.logger.With(zap.String("job_id", id))
	log.Info("job submitted")

	workspace := filepath.Join(s.config.Paths.WorkspaceRoot, id)
	if err := s.fs.MkdirAll(workspace, sandbox.DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer s.cleanup(workspace, log)

	scriptPath := filepath.Join(workspace, scriptFile)
	if err := s.fs.WriteFile(scriptPath, []byte(script), sandbox.FilePermission); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	dataset, err := s.stageDataset(request, id, log)
	if err != nil {
		return nil, err
	}
	if request.GetString("dataset_tar", "") != "" {
		defer s.cleanup(dataset, log)
	}

	req, err := job.New(job.Spec{
		ID:          id,
		ScriptPath:  scriptPath,
		DatasetPath: dataset,
		OutputPath:  filepath.Join(s.config.Paths.OutputRoot, id),
		Params:      params,
		DatasetType: request.GetString("dataset_type", ""),
		Mode:        job.Mode(request.GetString("mode", "")),
		DeviceID:    request.GetString("gpu_id", ""),
		MaxSeconds:  request.GetInt("max_seconds", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	var output lockedBuffer
	res := s.runner.Run(ctx, req, &output, &output)

	result := ToolResult{
		JobID:    id,
		Status:   res.Outcome.Status(),
		ExitCode: res.ExitCode(),
		Output:   output.String(),
		Metrics:  res.Payload,
	}
	if res.Admitted {
		artifacts, err := sandbox.CreateTarFromDirWithExcludes(res.ArtifactDir, s.config.Artifacts.ExcludePatterns, s.config.MaxArtifactBytes())
		if err != nil {
			log.Warn("failed to archive artifacts", zap.Error(err))
		} else {
			result.ArtifactsTar = base64.StdEncoding.EncodeToString(artifacts)
		}
	}

	log.Info("job completed",
		zap.String("status", result.Status),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("output_len", len(result.Output)),
		zap.Int("artifacts_len", len(result.ArtifactsTar)))

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(resultJSON),
			},
		},
		IsError: !res.Outcome.Succeeded(),
	}, nil
}

// stageDataset returns the dataset path for the job, extracting dataset_tar
// under the data root when given.
func (s *MCPServer) stageDataset(request mcp.CallToolRequest, id string, log *zap.Logger) (string, error) {
	encoded := request.GetString("dataset_tar", "")
	if encoded == "" {
		dataset := request.GetString("dataset", "")
		if dataset == "" {
			return "", errors.New("one of dataset or dataset_tar is required")
		}
		return dataset, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode dataset_tar: %w", err)
	}
	dest := filepath.Join(s.config.Paths.DataRoot, id)
	limits := sandbox.ExtractLimits{
		MaxFiles: s.config.Limits.MaxDatasetFiles,
		MaxBytes: s.config.Limits.MaxDatasetBytes,
	}
	if err := sandbox.ExtractTarToDir(s.fs, data, dest, limits); err != nil {
		s.cleanup(dest, log)
		return "", fmt.Errorf("failed to extract dataset_tar: %w", err)
	}
	log.Debug("dataset extracted", zap.String("path", dest))
	return dest, nil
}

func (s *MCPServer) cleanup(path string, log *zap.Logger) {
	if err := s.fs.RemoveAll(path); err != nil {
		log.Warn("failed to remove staging directory", zap.String("path", path), zap.Error(err))
	}
}

// lockedBuffer collects stdout and stderr, which are copied concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// paramsArgument accepts hyperparameters as a JSON object or its string encoding.
func paramsArgument(v any) (map[string]any, error) {
	switch p := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	case string:
		return job.ParseParams(p)
	default:
		return nil, fmt.Errorf("params must be a JSON object, got %T", v)
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	err := httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
