package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// progressLogInterval is the number of consecutive empty-queue waits between
// progress log lines.
const progressLogInterval = 10

// Executor schedules traversal and processing of items supplied by a Provider.
//
// An Executor is meant to be built once per job invocation, optionally seeded
// with SetState, run once through ProcessItems or TraverseTree and then
// discarded after its State has been persisted. It owns no external resources.
type Executor struct {
	provider Provider
	cfg      Config
	limiter  *common.RateLimiter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics

	traversal  *fifo[Node]
	processing *fifo[Item]

	// mu protects the fields below.
	mu              sync.Mutex
	current         *run
	errors          []ErrorItem
	processedCount  int
	traversedCount  int
	traversalBatch  []Node
	processingBatch []Item
}

// run holds the signals scoped to one ProcessItems or TraverseTree call.
type run struct {
	stopOnce      sync.Once
	stop          chan struct{}
	traversalDone chan struct{}
}

func newRun() *run {
	return &run{
		stop:          make(chan struct{}),
		traversalDone: make(chan struct{}),
	}
}

func (r *run) halt() { r.stopOnce.Do(func() { close(r.stop) }) }

// halted reports whether the run was stopped or its context is done.
func (r *run) halted(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *run) traversalFinished() bool {
	select {
	case <-r.traversalDone:
		return true
	default:
		return false
	}
}

// New creates an Executor for provider. It fails with ErrInvalidArgument when
// provider is nil or the configuration is invalid.
func New(provider Provider, opts ...Option) (*Executor, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidArgument)
	}

	e := &Executor{
		provider:   provider,
		logger:     logger.Discard(),
		tracer:     noop.NewTracerProvider().Tracer("batch"),
		metrics:    NopMetrics{},
		traversal:  newFIFO[Node](),
		processing: newFIFO[Item](),
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg, err := e.cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	e.cfg = cfg

	if e.limiter == nil && cfg.ProcessRate > 0 {
		e.limiter = common.NewRateLimiter(cfg.ProcessRate, cfg.ProcessBurst)
	}

	return e, nil
}

// Config returns the effective configuration, defaults applied.
func (e *Executor) Config() Config { return e.cfg }

// Running reports whether a run is in progress.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// State returns a snapshot of the queues, in-flight batches and counters. The
// slices are copies; the items are shared with the Executor and must be
// treated as read-only.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{
		Errors:          slices.Clone(e.errors),
		ProcessedCount:  e.processedCount,
		TraversedCount:  e.traversedCount,
		TraversalQueue:  e.traversal.snapshot(),
		TraversalBatch:  slices.Clone(e.traversalBatch),
		ProcessingQueue: e.processing.snapshot(),
		ProcessingBatch: slices.Clone(e.processingBatch),
	}
}

// SetState replaces every queue and counter with the values in state. It
// returns ErrRunning while a run is in progress.
func (e *Executor) SetState(state State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return ErrRunning
	}

	e.errors = slices.Clone(state.Errors)
	e.processedCount = state.ProcessedCount
	e.traversedCount = state.TraversedCount
	e.traversalBatch = slices.Clone(state.TraversalBatch)
	e.processingBatch = slices.Clone(state.ProcessingBatch)
	e.traversal.reset(state.TraversalQueue)
	e.processing.reset(state.ProcessingQueue)
	return nil
}

// Stop asks a run in progress to end once its in-flight batches complete.
// Queued items stay queued and show up in the next State. Provider calls
// already running are not interrupted. Stop is a no-op when nothing runs.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		e.current.halt()
		e.traversal.signal()
		e.processing.signal()
	}
}

// ProcessItems queues items for processing and drains the processing queue
// until it is empty. No traversal happens.
func (e *Executor) ProcessItems(ctx context.Context, items ...Item) (Result, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "batch_executor.process_items",
		trace.WithAttributes(attribute.Int("seed_items", len(items))))
	defer span.End()

	r, err := e.beginRun()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run already in progress")
		return Result{}, err
	}
	defer e.endRun()

	// Nothing refills the processing queue in this mode.
	close(r.traversalDone)
	e.processing.push(items...)

	e.processLoop(ctx, r)

	res := e.result(start)
	span.SetAttributes(
		attribute.Int("processed_count", res.ProcessedCount),
		attribute.Int("error_count", len(res.Errors)),
	)
	span.SetStatus(codes.Ok, "processing completed")
	return res, nil
}

// TraverseTree queues roots for traversal, then runs the traversal and
// processing loops concurrently until traversal is exhausted and everything it
// discovered has been processed.
func (e *Executor) TraverseTree(ctx context.Context, roots ...Item) (Result, error) {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "batch_executor.traverse_tree",
		trace.WithAttributes(attribute.Int("seed_items", len(roots))))
	defer span.End()

	r, err := e.beginRun()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run already in progress")
		return Result{}, err
	}
	defer e.endRun()

	nodes := make([]Node, 0, len(roots))
	for _, root := range roots {
		nodes = append(nodes, Node{Item: root})
	}
	e.traversal.push(nodes...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(r.traversalDone)
		e.traverseLoop(ctx, r)
	}()
	go func() {
		defer wg.Done()
		e.processLoop(ctx, r)
	}()
	wg.Wait()

	res := e.result(start)
	span.SetAttributes(
		attribute.Int("processed_count", res.ProcessedCount),
		attribute.Int("traversed_count", res.TraversedCount),
		attribute.Int("error_count", len(res.Errors)),
	)
	span.SetStatus(codes.Ok, "traversal completed")
	return res, nil
}

// beginRun marks the executor as running and puts any restored in-flight
// batches back at the head of their queues.
func (e *Executor) beginRun() (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return nil, ErrRunning
	}

	e.traversal.pushFront(e.traversalBatch...)
	e.processing.pushFront(e.processingBatch...)
	e.traversalBatch = nil
	e.processingBatch = nil

	e.current = newRun()
	return e.current, nil
}

func (e *Executor) endRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nil
}

func (e *Executor) result(start time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Result{
		Duration:       time.Since(start),
		Errors:         slices.Clone(e.errors),
		ProcessedCount: e.processedCount,
		TraversedCount: e.traversedCount,
	}
}

// processLoop drains the processing queue batch by batch. It keeps waiting on
// an empty queue while traversal may still feed it and returns once traversal
// has finished and the queue is empty, or the run is halted.
func (e *Executor) processLoop(ctx context.Context, r *run) {
	waits := 0
	for !r.halted(ctx) {
		batch := e.processing.drain()
		if len(batch) > 0 {
			waits = 0
			e.processBatch(ctx, batch)
			continue
		}

		if r.traversalFinished() {
			// Traversal enqueues before it signals completion, so a final
			// check after observing the signal cannot miss work.
			if e.processing.len() == 0 {
				return
			}
			continue
		}

		waits++
		if waits%progressLogInterval == 0 {
			st := e.counters()
			e.logger.Debug(ctx, "waiting for traversal to produce work",
				"waits", waits,
				"traversal_queue", e.traversal.len(),
				"processed_count", st.ProcessedCount,
				"traversed_count", st.TraversedCount,
				"error_count", len(st.Errors),
			)
		}
		e.wait(ctx, r)
	}
}

// wait blocks until an item is enqueued for processing, traversal finishes,
// the run is halted or WaitDuration elapses.
func (e *Executor) wait(ctx context.Context, r *run) {
	timer := time.NewTimer(e.cfg.WaitDuration)
	defer timer.Stop()

	select {
	case <-e.processing.wake:
	case <-r.traversalDone:
	case <-r.stop:
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Executor) processBatch(ctx context.Context, batch []Item) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "batch_executor.process_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	e.mu.Lock()
	e.processingBatch = batch
	e.mu.Unlock()

	e.metrics.ObserveBatchSize(ctx, MethodProcess, len(batch))

	var g errgroup.Group
	g.SetLimit(e.cfg.ProcessLimit)
	for _, item := range batch {
		g.Go(func() error {
			e.processItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	e.processingBatch = nil
	e.mu.Unlock()

	e.metrics.ObserveBatchDuration(ctx, MethodProcess, time.Since(start))
	e.logger.Debug(ctx, "processing batch complete",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (e *Executor) processItem(ctx context.Context, item Item) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			// Only a done context fails the wait; the item was never attempted.
			e.processing.push(item)
			return
		}
	}

	if err := e.provider.Process(ctx, item); err != nil {
		// Only an interruption by the run's own cancellation is requeued.
		// Any other failure is terminal even close to a deadline.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			e.processing.push(item)
			return
		}
		e.recordError(ctx, MethodProcess, item, err)
		return
	}

	e.mu.Lock()
	e.processedCount++
	e.mu.Unlock()
	e.metrics.IncItemsProcessed(ctx)
}

// traverseLoop drains the traversal queue batch by batch until it stays empty
// or the run is halted.
func (e *Executor) traverseLoop(ctx context.Context, r *run) {
	for !r.halted(ctx) {
		batch := e.traversal.drain()
		if len(batch) == 0 {
			return
		}
		e.traverseBatch(ctx, batch)
	}
}

func (e *Executor) traverseBatch(ctx context.Context, batch []Node) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "batch_executor.traverse_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(batch))))
	defer span.End()

	e.mu.Lock()
	e.traversalBatch = batch
	e.mu.Unlock()

	e.metrics.ObserveBatchSize(ctx, MethodTraverse, len(batch))

	var g errgroup.Group
	g.SetLimit(e.cfg.TraversalLimit)
	for _, node := range batch {
		g.Go(func() error {
			e.traverseNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	e.traversalBatch = nil
	e.mu.Unlock()

	e.metrics.ObserveBatchDuration(ctx, MethodTraverse, time.Since(start))
	e.logger.Debug(ctx, "traversal batch complete",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// traverseNode discovers the children of one node and whether it needs
// processing. A failing node is queued again once with the retry marker set;
// a second failure is terminal.
func (e *Executor) traverseNode(ctx context.Context, node Node) {
	children, process, err := e.discover(ctx, node.Item)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Interrupted rather than failed; leave it for the next run.
			e.traversal.push(node)
		case !node.Retried:
			e.logger.Warn(ctx, "traversal failed, retrying item",
				"item", e.provider.FormatForLog(node.Item),
				"error", err,
			)
			e.metrics.IncTraversalRetries(ctx)
			e.traversal.push(Node{Item: node.Item, Retried: true})
		default:
			e.recordError(ctx, MethodTraverse, node.Item, err)
		}
		return
	}

	if len(children) > 0 {
		nodes := make([]Node, len(children))
		for i, child := range children {
			nodes[i] = Node{Item: child}
		}
		e.traversal.push(nodes...)
	}
	if process {
		e.processing.push(node.Item)
	}

	e.mu.Lock()
	e.traversedCount++
	e.mu.Unlock()
	e.metrics.IncItemsTraversed(ctx)
}

func (e *Executor) discover(ctx context.Context, item Item) ([]Item, bool, error) {
	var children []Item

	more, err := e.provider.HasMore(ctx, item)
	if err != nil {
		return nil, false, fmt.Errorf("checking for children: %w", err)
	}
	if more {
		if children, err = e.provider.GetBatch(ctx, item); err != nil {
			return nil, false, fmt.Errorf("getting children: %w", err)
		}
	}

	process, err := e.provider.ShouldProcess(ctx, item)
	if err != nil {
		return nil, false, fmt.Errorf("checking processing eligibility: %w", err)
	}

	return children, process, nil
}

func (e *Executor) recordError(ctx context.Context, method Method, item Item, err error) {
	e.logger.Error(ctx, "item failed",
		"method", string(method),
		"item", e.provider.FormatForLog(item),
		"error", err,
	)
	e.metrics.IncItemErrors(ctx, method)

	e.mu.Lock()
	e.errors = append(e.errors, ErrorItem{Method: method, Item: item, Err: err})
	e.mu.Unlock()
}

// counters returns the counters and errors without copying the queues.
func (e *Executor) counters() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Errors:         e.errors,
		ProcessedCount: e.processedCount,
		TraversedCount: e.traversedCount,
	}
}
