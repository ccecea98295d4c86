package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/oubliette/job"
	"github.com/isdmx/oubliette/outcome"
	"github.com/isdmx/oubliette/pipeline"
)

// Job states stored in the status hash
const (
	StateQueued    = "QUEUED"
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Status hash fields
const (
	fieldState      = "state"
	fieldMode       = "mode"
	fieldQueuedAt   = "queued_at"
	fieldStartedAt  = "started_at"
	fieldFinishedAt = "finished_at"
	fieldExitCode   = "exit_code"
	fieldResult     = "result"
	fieldOutcome    = "outcome"
	fieldElapsed    = "elapsed_seconds"
)

// ErrNotFound is returned by Status for unknown or expired jobs.
var ErrNotFound = errors.New("job not found")

// Message is a job submission as it sits on the queue.
type Message struct {
	ID           string         `json:"id,omitempty"`
	Script       string         `json:"script"`
	ScriptSHA256 string         `json:"script_sha256,omitempty"`
	Dataset      string         `json:"dataset"`
	Output       string         `json:"output"`
	Params       map[string]any `json:"params,omitempty"`
	DatasetType  string         `json:"dataset_type,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	GPUID        string         `json:"gpu_id,omitempty"`
	MaxSeconds   int            `json:"max_seconds,omitempty"`
	// DatasetBytes and Privileged size the time budget when MaxSeconds is unset.
	DatasetBytes int64 `json:"dataset_bytes,omitempty"`
	Privileged   bool  `json:"privileged,omitempty"`
}

// Status is the recorded progress of one job.
type Status struct {
	ID       string
	State    string
	Mode     string
	ExitCode int
	// Result is the outcome label: "success" or an error category.
	Result         string
	Outcome        json.RawMessage
	ElapsedSeconds int64
}

// Runner executes one admitted request.
type Runner interface {
	Run(ctx context.Context, req job.Request, stdout, stderr io.Writer) pipeline.Result
}

// Config holds consumer settings.
type Config struct {
	Name        string
	KeyPrefix   string
	Concurrency int
	ResultTTL   time.Duration
	// PollTimeout bounds each BLPOP so loops notice cancellation.
	PollTimeout time.Duration
	LogChannel  string
}

// DefaultConfig returns the consumer defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "oubliette:jobs",
		KeyPrefix:   "oubliette",
		Concurrency: 1,
		ResultTTL:   24 * time.Hour,
		PollTimeout: 5 * time.Second,
	}
}

// Consumer pops jobs from Redis and runs them.
type Consumer struct {
	logger *zap.Logger
	client *redis.Client
	runner Runner
	limits job.Limits
	config Config
}

// NewConsumer creates a Consumer. Zero config fields take their defaults.
func NewConsumer(logger *zap.Logger, client *redis.Client, runner Runner, limits job.Limits, config Config) *Consumer {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = defaults.ResultTTL
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	return &Consumer{
		logger: logger,
		client: client,
		runner: runner,
		limits: limits,
		config: config,
	}
}

func (c *Consumer) statusKey(id string) string {
	return c.config.KeyPrefix + ":job:" + id
}

// Enqueue pushes msg onto the queue and marks it QUEUED. It returns the job id,
// generating one when msg has none.
func (c *Consumer) Enqueue(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.statusKey(msg.ID),
			fieldState, StateQueued,
			fieldMode, msg.Mode,
			fieldQueuedAt, time.Now().UTC().Format(time.RFC3339))
		pipe.RPush(ctx, c.config.Name, data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// Status returns the recorded progress of job id.
func (c *Consumer) Status(ctx context.Context, id string) (Status, error) {
	fields, err := c.client.HGetAll(ctx, c.statusKey(id)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read status of job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Status{}, ErrNotFound
	}
	s := Status{
		ID:     id,
		State:  fields[fieldState],
		Mode:   fields[fieldMode],
		Result: fields[fieldResult],
	}
	if v, ok := fields[fieldExitCode]; ok {
		s.ExitCode, _ = strconv.Atoi(v)
	}
	if v, ok := fields[fieldElapsed]; ok {
		s.ElapsedSeconds, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields[fieldOutcome]; ok {
		s.Outcome = json.RawMessage(v)
	}
	return s, nil
}

// Run consumes the queue with Config.Concurrency loops until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started",
		zap.String("queue", c.config.Name),
		zap.Int("concurrency", c.config.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := range c.config.Concurrency {
		g.Go(func() error {
			c.loop(ctx, c.logger.With(zap.Int("loop", i)))
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info("queue consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context, log *zap.Logger) {
	for ctx.Err() == nil {
		res, err := c.client.BLPop(ctx, c.config.PollTimeout, c.config.Name).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn("failed to pop job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BLPOP replies with the key followed by the value.
		c.process(ctx, []byte(res[1]), log)
	}
}

// process runs one message. Failures are recorded on the job, never returned.
func (c *Consumer) process(ctx context.Context, data []byte, log *zap.Logger) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		log.Error("dropping malformed message", zap.Error(err), zap.ByteString("message", data))
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	log = log.With(zap.String("job_id", msg.ID))
	started := time.Now()

	if err := c.client.HSet(ctx, c.statusKey(msg.ID),
		fieldState, StateRunning,
		fieldMode, msg.Mode,
		fieldStartedAt, started.UTC().Format(time.RFC3339)).Err(); err != nil {
		log.Warn("failed to mark job running", zap.Error(err))
	}

	req, err := c.request(msg)
	if err != nil {
		log.Warn("rejecting job", zap.Error(err))
		c.finish(ctx, msg.ID, pipeline.Result{Outcome: outcome.FromError(err), Elapsed: time.Since(started)}, log)
		return
	}

	var out io.Writer = io.Discard
	var pub *publisher
	if c.config.LogChannel != "" {
		pub = newPublisher(context.WithoutCancel(ctx), c.client, c.config.LogChannel, msg.ID)
		out = pub
	}
	res := c.runner.Run(ctx, req, out, out)
	if pub != nil {
		pub.Flush()
	}
	c.finish(ctx, msg.ID, res, log)
}

// request converts msg into a validated request. An unset max_seconds takes
// the time budget for the dataset size.
func (c *Consumer) request(msg Message) (job.Request, error) {
	if msg.ScriptSHA256 != "" {
		sum, err := pipeline.FileSHA256(msg.Script)
		if err != nil {
			return job.Request{}, outcome.Errorf(outcome.CategorySecurityViolation, "cannot verify script: %w", err)
		}
		if sum != msg.ScriptSHA256 {
			return job.Request{}, outcome.Errorf(outcome.CategorySecurityViolation, "script checksum mismatch: got %s", sum)
		}
	}
	maxSeconds := msg.MaxSeconds
	if maxSeconds == 0 {
		maxSeconds = c.limits.TimeBudget(msg.DatasetBytes, msg.Privileged)
	}
	req, err := job.New(job.Spec{
		ID:          msg.ID,
		ScriptPath:  msg.Script,
		DatasetPath: msg.Dataset,
		OutputPath:  msg.Output,
		Params:      msg.Params,
		DatasetType: msg.DatasetType,
		Mode:        job.Mode(msg.Mode),
		DeviceID:    msg.GPUID,
		MaxSeconds:  maxSeconds,
	})
	if err != nil {
		return job.Request{}, fmt.Errorf("invalid job message: %w", err)
	}
	return req, nil
}

func (c *Consumer) finish(ctx context.Context, id string, res pipeline.Result, log *zap.Logger) {
	state := StateCompleted
	if !res.Outcome.Succeeded() {
		state = StateFailed
	}
	encoded, err := json.Marshal(res.Outcome)
	if err != nil {
		encoded, _ = json.Marshal(outcome.Failure(outcome.CategoryInternal, "failed to encode outcome", ""))
	}

	// The result is recorded even when the consumer is shutting down.
	ctx = context.WithoutCancel(ctx)
	key := c.statusKey(id)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldState, state,
			fieldFinishedAt, time.Now().UTC().Format(time.RFC3339),
			fieldExitCode, res.ExitCode(),
			fieldResult, res.Outcome.Status(),
			fieldOutcome, string(encoded),
			fieldElapsed, int64(res.Elapsed/time.Second))
		pipe.Expire(ctx, key, c.config.ResultTTL)
		return nil
	})
	if err != nil {
		log.Error("failed to record job result", zap.Error(err))
		return
	}
	log.Info("job finished", zap.String("state", state), zap.String("result", res.Outcome.Status()))
}
