package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/batchwalk/internal/checkpoint"
	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/internal/settings"
	"github.com/ahrav/batchwalk/pkg/batch"
	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// Runner executes one invocation of a job at a time. It is safe to reuse a
// Runner across invocations; each invocation gets a fresh Executor.
type Runner struct {
	cfg      Config
	provider batch.Provider

	checkpoints checkpoint.Repository
	guard       *guard
	codec       checkpoint.Codec
	queue       queue.Queue

	limiter *common.RateLimiter
	metrics batch.Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithQueue sets the queue that receives continuation messages. Without a
// queue the caller is responsible for re-invoking the job.
func WithQueue(q queue.Queue) Option {
	return func(r *Runner) { r.queue = q }
}

// WithCodec sets the codec used for inline checkpoints. It should carry the
// provider's ItemDecoder so restored items have their concrete types.
func WithCodec(c checkpoint.Codec) Option {
	return func(r *Runner) { r.codec = c }
}

// WithLogger sets the logger for the runner and its executors.
func WithLogger(log *logger.Logger) Option {
	return func(r *Runner) { r.logger = log }
}

// WithTracer sets the tracer for the runner and its executors.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// WithMetrics sets the executor metrics.
func WithMetrics(m batch.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRateLimiter shares a processing limiter across invocations.
func WithRateLimiter(rl *common.RateLimiter) Option {
	return func(r *Runner) { r.limiter = rl }
}

// withClock replaces time.Now for the guard.
func withClock(now func() time.Time) Option {
	return func(r *Runner) { r.guard.now = now }
}

// NewRunner creates a Runner for the job described by cfg.
func NewRunner(
	cfg Config,
	provider batch.Provider,
	checkpoints checkpoint.Repository,
	store settings.Store,
	opts ...Option,
) (*Runner, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if provider == nil || checkpoints == nil || store == nil {
		return nil, errors.New("provider, checkpoint repository and settings store are required")
	}

	r := &Runner{
		cfg:         cfg,
		provider:    provider,
		checkpoints: checkpoints,
		guard:       &guard{store: store, ttl: cfg.LockTTL, now: time.Now},
		codec:       checkpoint.JSONCodec{},
		metrics:     batch.NopMetrics{},
		logger:      logger.Discard(),
		tracer:      noop.NewTracerProvider().Tracer("job"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "job_runner", "job_name", cfg.Name)

	return r, nil
}

// Start begins a new job over roots and runs its first invocation.
func (r *Runner) Start(ctx context.Context, roots ...batch.Item) (Outcome, error) {
	return r.run(ctx, uuid.New(), true, nil, roots)
}

// Resume runs the next invocation of an existing job.
func (r *Runner) Resume(ctx context.Context, jobID uuid.UUID) (Outcome, error) {
	return r.run(ctx, jobID, false, nil, nil)
}

// HandleContinuation resumes the job named by a continuation message body.
func (r *Runner) HandleContinuation(ctx context.Context, body []byte) (Outcome, error) {
	var c Continuation
	if err := json.Unmarshal(body, &c); err != nil {
		return Outcome{}, fmt.Errorf("failed to decode continuation: %w", err)
	}
	if c.Name != r.cfg.Name {
		return Outcome{}, fmt.Errorf("continuation for job %q delivered to runner for %q", c.Name, r.cfg.Name)
	}

	var inline *batch.State
	if len(c.Checkpoint) > 0 {
		state, err := r.codec.Decode(c.Checkpoint)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to decode inline checkpoint: %w", err)
		}
		inline = &state
	}
	return r.run(ctx, c.JobID, false, inline, nil)
}

// Poll reads one continuation from the queue and runs it. The message is
// removed once the invocation has either finished or handed off to a new
// continuation, or when it names a job that no longer has a checkpoint. It is
// left for redelivery when the guard is held elsewhere or the invocation
// failed. Poll returns queue.ErrEmpty when nothing is pending.
func (r *Runner) Poll(ctx context.Context) (Outcome, error) {
	if r.queue == nil {
		return Outcome{}, errors.New("no queue configured")
	}

	msg, err := r.queue.ReadMessageBody(ctx)
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := r.HandleContinuation(ctx, msg.Body)
	if errors.Is(err, ErrCheckpointMissing) {
		r.logger.Warn(ctx, "Dropping continuation for unknown job", "message_id", msg.ID, "error", err)
		if rmErr := r.queue.RemoveMessage(ctx, msg.Receipt); rmErr != nil {
			return outcome, errors.Join(err, rmErr)
		}
		return outcome, err
	}
	if err != nil {
		return outcome, err
	}

	if err := r.queue.RemoveMessage(ctx, msg.Receipt); err != nil {
		return outcome, fmt.Errorf("failed to remove continuation %s: %w", msg.ID, err)
	}
	return outcome, nil
}

func (r *Runner) run(
	ctx context.Context,
	jobID uuid.UUID,
	fresh bool,
	inline *batch.State,
	roots []batch.Item,
) (Outcome, error) {
	logr := logger.NewLoggerContext(r.logger.With("job_id", jobID.String()))
	ctx, span := r.tracer.Start(ctx, "job_runner.run",
		trace.WithAttributes(
			attribute.String("job_name", r.cfg.Name),
			attribute.String("job_id", jobID.String()),
			attribute.String("mode", string(r.cfg.Mode)),
			attribute.Int("root_count", len(roots)),
		))
	defer span.End()

	fail := func(msg string, err error) (Outcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return Outcome{JobID: jobID}, err
	}

	if err := r.guard.acquire(ctx, r.cfg.Name, jobID); err != nil {
		return fail("failed to acquire guard", err)
	}
	span.AddEvent("guard_acquired")

	// A failed invocation keeps the guard only while a checkpoint exists to
	// resume from. Otherwise the name would stay locked until the lock TTL.
	var succeeded bool
	stored := !fresh
	defer func() {
		if succeeded || stored {
			return
		}
		if err := r.guard.release(context.WithoutCancel(ctx), r.cfg.Name, jobID); err != nil {
			logr.Warn(ctx, "Failed to release guard", "error", err)
		}
	}()

	exec, err := r.newExecutor()
	if err != nil {
		return fail("failed to create executor", err)
	}

	cp, err := r.checkpoints.Load(ctx, jobID)
	if err != nil {
		return fail("failed to load checkpoint", fmt.Errorf("failed to load checkpoint: %w", err))
	}
	stored = cp != nil || inline != nil

	// Errors carried over from earlier invocations were already logged.
	var restoredErrs int
	switch {
	case inline != nil:
		if err := exec.SetState(*inline); err != nil {
			return fail("failed to restore state", err)
		}
		restoredErrs = len(inline.Errors)
		logr.Add("restored_from", "continuation")
	case cp != nil:
		if err := exec.SetState(cp.State()); err != nil {
			return fail("failed to restore state", err)
		}
		restoredErrs = len(cp.State().Errors)
		logr.Add("restored_from", "checkpoint")
	case !fresh:
		// Most likely a redelivered continuation of a job that already
		// finished. The deferred release gives the guard back.
		return fail("checkpoint missing", fmt.Errorf("%w: %s", ErrCheckpointMissing, jobID))
	}
	logr.Info(ctx, "Job invocation started", "roots", len(roots))

	// The executor treats a done context like Stop, so the budget is a
	// deadline on the run context.
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.Budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Budget)
	}
	defer cancel()

	var result batch.Result
	switch r.cfg.Mode {
	case ModeProcess:
		result, err = exec.ProcessItems(runCtx, roots...)
	default:
		result, err = exec.TraverseTree(runCtx, roots...)
	}
	if err != nil {
		return fail("executor run failed", fmt.Errorf("executor run failed: %w", err))
	}

	span.SetAttributes(
		attribute.Int("processed_count", result.ProcessedCount),
		attribute.Int("traversed_count", result.TraversedCount),
		attribute.Int("error_count", len(result.Errors)),
	)
	for _, e := range result.Errors[min(restoredErrs, len(result.Errors)):] {
		logr.Warn(ctx, "Item failed", "method", e.Method, "item", r.provider.FormatForLog(e.Item), "error", e.Err)
	}

	// Persist even when the caller's context is already done; otherwise the
	// work interrupted by the cancellation would be lost.
	ctx = context.WithoutCancel(ctx)

	outcome := Outcome{JobID: jobID, Result: result}
	state := exec.State()
	if state.Pending() {
		if err := r.saveCheckpoint(ctx, jobID, cp, state); err != nil {
			return fail("failed to save checkpoint", err)
		}
		stored = true

		id, err := r.sendContinuation(ctx, jobID, state)
		if err != nil {
			return fail("failed to send continuation", err)
		}
		succeeded = true
		outcome.ContinuationID = id
		span.AddEvent("job_yielded")
		logr.Info(ctx, "Job invocation yielded",
			"processed", result.ProcessedCount,
			"traversed", result.TraversedCount,
			"continuation_id", id,
		)
		return outcome, nil
	}

	if err := r.checkpoints.Delete(ctx, jobID); err != nil {
		return fail("failed to delete checkpoint", fmt.Errorf("failed to delete checkpoint: %w", err))
	}
	if err := r.guard.release(ctx, r.cfg.Name, jobID); err != nil {
		return fail("failed to release guard", err)
	}
	succeeded = true
	outcome.Done = true
	span.AddEvent("job_completed")
	logr.Info(ctx, "Job completed",
		"processed", result.ProcessedCount,
		"traversed", result.TraversedCount,
		"errors", len(result.Errors),
		"duration_ms", result.DurationMs(),
	)
	return outcome, nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, jobID uuid.UUID, cp *checkpoint.Checkpoint, state batch.State) error {
	if cp == nil {
		cp = checkpoint.NewTemporaryCheckpoint(jobID, state)
	} else {
		cp.UpdateState(state)
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// sendContinuation enqueues the message that triggers the next invocation.
// It returns the message ID, or "" when no queue is configured.
func (r *Runner) sendContinuation(ctx context.Context, jobID uuid.UUID, state batch.State) (string, error) {
	if r.queue == nil {
		return "", nil
	}

	c := Continuation{JobID: jobID, Name: r.cfg.Name}
	if r.cfg.InlineCheckpoint {
		data, err := r.codec.Encode(state)
		if err != nil {
			return "", fmt.Errorf("failed to encode inline checkpoint: %w", err)
		}
		c.Checkpoint = data
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode continuation: %w", err)
	}

	id, err := r.queue.SendMessage(ctx, body,
		queue.WithKey(jobID.String()),
		queue.WithAttribute("type", "continuation"),
		queue.WithAttribute("job_name", r.cfg.Name),
	)
	if err != nil {
		return "", fmt.Errorf("failed to send continuation: %w", err)
	}
	return id, nil
}

func (r *Runner) newExecutor() (*batch.Executor, error) {
	opts := []batch.Option{
		batch.WithConfig(r.cfg.Executor),
		batch.WithLogger(r.logger),
		batch.WithTracer(r.tracer),
		batch.WithMetrics(r.metrics),
	}
	if r.limiter != nil {
		opts = append(opts, batch.WithRateLimiter(r.limiter))
	}
	return batch.New(r.provider, opts...)
}
