package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// treeNode is a test item describing a static hierarchy.
type treeNode struct {
	Name     string
	Children []*treeNode
}

func (n *treeNode) count() (total, leaves int) {
	total = 1
	if len(n.Children) == 0 {
		return 1, 1
	}
	for _, c := range n.Children {
		t, l := c.count()
		total += t
		leaves += l
	}
	return total, leaves
}

// familyTree builds a three level tree: a root with four parents, each with
// two children. Thirteen nodes, eight of them leaves.
func familyTree() *treeNode {
	root := &treeNode{Name: "root"}
	for i := 0; i < 4; i++ {
		parent := &treeNode{Name: fmt.Sprintf("parent-%d", i)}
		for j := 0; j < 2; j++ {
			parent.Children = append(parent.Children, &treeNode{Name: fmt.Sprintf("child-%d-%d", i, j)})
		}
		root.Children = append(root.Children, parent)
	}
	return root
}

// wideTree builds a tree of the given depth where every internal node has
// fanout children.
func wideTree(name string, depth, fanout int) *treeNode {
	n := &treeNode{Name: name}
	if depth == 0 {
		return n
	}
	for i := 0; i < fanout; i++ {
		n.Children = append(n.Children, wideTree(fmt.Sprintf("%s/%d", name, i), depth-1, fanout))
	}
	return n
}

// treeProvider walks treeNode items and processes leaves.
type treeProvider struct {
	NopProvider

	mu        sync.Mutex
	processed []string
}

func (p *treeProvider) HasMore(_ context.Context, item Item) (bool, error) {
	return len(item.(*treeNode).Children) > 0, nil
}

func (p *treeProvider) GetBatch(_ context.Context, item Item) ([]Item, error) {
	children := item.(*treeNode).Children
	out := make([]Item, len(children))
	for i, c := range children {
		out[i] = c
	}
	return out, nil
}

func (p *treeProvider) ShouldProcess(_ context.Context, item Item) (bool, error) {
	return len(item.(*treeNode).Children) == 0, nil
}

func (p *treeProvider) Process(_ context.Context, item Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, item.(*treeNode).Name)
	return nil
}

func (p *treeProvider) FormatForLog(item Item) any { return item.(*treeNode).Name }

func newTestExecutor(t *testing.T, p Provider, cfg Config) *Executor {
	t.Helper()

	cfg.WaitDuration = 5 * time.Millisecond
	exec, err := New(p, WithConfig(cfg))
	require.NoError(t, err)
	return exec
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider Provider
		cfg      Config
		wantErr  bool
	}{
		{name: "nil provider", provider: nil, wantErr: true},
		{name: "negative process limit", provider: NopProvider{}, cfg: Config{ProcessLimit: -1}, wantErr: true},
		{name: "negative traversal limit", provider: NopProvider{}, cfg: Config{TraversalLimit: -2}, wantErr: true},
		{name: "negative wait", provider: NopProvider{}, cfg: Config{WaitDuration: -time.Second}, wantErr: true},
		{name: "negative rate", provider: NopProvider{}, cfg: Config{ProcessRate: -1}, wantErr: true},
		{name: "defaults", provider: NopProvider{}},
		{name: "explicit", provider: NopProvider{}, cfg: Config{ProcessLimit: 4, TraversalLimit: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exec, err := New(tt.provider, WithConfig(tt.cfg))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidArgument)
				assert.Nil(t, exec)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, exec)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	exec, err := New(NopProvider{})
	require.NoError(t, err)

	cfg := exec.Config()
	assert.Equal(t, 1, cfg.ProcessLimit)
	assert.Equal(t, 1, cfg.TraversalLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.WaitDuration)
}

func TestTraverseTree_FamilyTree(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "sequential", cfg: Config{}},
		{name: "concurrent", cfg: Config{ProcessLimit: 4, TraversalLimit: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := new(treeProvider)
			exec := newTestExecutor(t, p, tt.cfg)

			res, err := exec.TraverseTree(context.Background(), familyTree())
			require.NoError(t, err)

			assert.Equal(t, 13, res.TraversedCount)
			assert.Equal(t, 8, res.ProcessedCount)
			assert.Empty(t, res.Errors)
			assert.Len(t, p.processed, 8)

			st := exec.State()
			assert.False(t, st.Pending())
		})
	}
}

func TestTraverseTree_Completion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		depth  int
		fanout int
		cfg    Config
	}{
		{name: "single node", depth: 0, fanout: 0},
		{name: "chain", depth: 6, fanout: 1},
		{name: "wide", depth: 3, fanout: 5, cfg: Config{ProcessLimit: 8, TraversalLimit: 8}},
		{name: "deep and wide", depth: 5, fanout: 3, cfg: Config{ProcessLimit: 2, TraversalLimit: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := wideTree("r", tt.depth, tt.fanout)
			total, leaves := root.count()

			p := new(treeProvider)
			exec := newTestExecutor(t, p, tt.cfg)

			res, err := exec.TraverseTree(context.Background(), root)
			require.NoError(t, err)

			assert.Equal(t, total, res.TraversedCount)
			assert.Equal(t, leaves, res.ProcessedCount)
			assert.Empty(t, res.Errors)
		})
	}
}

func TestTraverseTree_NodeWithChildrenAndProcessing(t *testing.T) {
	t.Parallel()

	var processed []string
	var mu sync.Mutex
	p := &ProviderFuncs{
		HasMoreFn: func(_ context.Context, item Item) (bool, error) {
			return item.(string) == "folder", nil
		},
		GetBatchFn: func(context.Context, Item) ([]Item, error) {
			return []Item{"file-a", "file-b"}, nil
		},
		ShouldProcessFn: func(context.Context, Item) (bool, error) { return true, nil },
		ProcessFn: func(_ context.Context, item Item) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, item.(string))
			return nil
		},
	}
	exec := newTestExecutor(t, p, Config{})

	res, err := exec.TraverseTree(context.Background(), "folder")
	require.NoError(t, err)

	assert.Equal(t, 3, res.TraversedCount)
	assert.Equal(t, 3, res.ProcessedCount)
	assert.ElementsMatch(t, []string{"folder", "file-a", "file-b"}, processed)
}

func TestTraverseTree_NopProvider(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, NopProvider{}, Config{})

	res, err := exec.TraverseTree(context.Background(), "root")
	require.NoError(t, err)

	assert.Equal(t, 1, res.TraversedCount)
	assert.Equal(t, 0, res.ProcessedCount)
	assert.Empty(t, res.Errors)
}

func TestTraverseTree_EmptyQueue(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, new(treeProvider), Config{})

	res, err := exec.TraverseTree(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.TraversedCount)
	assert.Zero(t, res.ProcessedCount)
}

func TestProcessItems_FailureIsolation(t *testing.T) {
	t.Parallel()

	boom := errors.New("ingestion rejected")
	items := []Item{"a", "b", "c", "d", "e"}
	p := &ProviderFuncs{
		ProcessFn: func(_ context.Context, item Item) error {
			if item == "c" {
				return boom
			}
			return nil
		},
	}

	for _, limit := range []int{1, 3} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			t.Parallel()

			exec := newTestExecutor(t, p, Config{ProcessLimit: limit})

			res, err := exec.ProcessItems(context.Background(), items...)
			require.NoError(t, err)

			assert.Equal(t, len(items)-1, res.ProcessedCount)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, MethodProcess, res.Errors[0].Method)
			assert.Equal(t, "c", res.Errors[0].Item)
			assert.ErrorIs(t, res.Errors[0], boom)
		})
	}
}

func TestProcessItems_ErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := &ProviderFuncs{
		ProcessFn: func(context.Context, Item) error {
			calls.Add(1)
			return errors.New("nope")
		},
	}
	exec := newTestExecutor(t, p, Config{})

	res, err := exec.ProcessItems(context.Background(), "only")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, res.ProcessedCount)
	assert.Len(t, res.Errors, 1)
}

func TestTraverseTree_RetryOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      int
		failOn        string
		wantTraversed int
		wantErrors    int
		wantCalls     int32
	}{
		{name: "has more recovers on retry", failures: 1, failOn: "has_more", wantTraversed: 1, wantErrors: 0, wantCalls: 2},
		{name: "has more fails twice", failures: 2, failOn: "has_more", wantTraversed: 0, wantErrors: 1, wantCalls: 2},
		{name: "get batch recovers on retry", failures: 1, failOn: "get_batch", wantTraversed: 1, wantErrors: 0, wantCalls: 2},
		{name: "should process fails twice", failures: 2, failOn: "should_process", wantTraversed: 0, wantErrors: 1, wantCalls: 2},
		{name: "fails three times records one error", failures: 3, failOn: "has_more", wantTraversed: 0, wantErrors: 1, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			fail := func(stage string) error {
				if stage != tt.failOn {
					return nil
				}
				if n := calls.Add(1); int(n) <= tt.failures {
					return fmt.Errorf("transient %s failure %d", stage, n)
				}
				return nil
			}

			p := &ProviderFuncs{
				HasMoreFn: func(_ context.Context, item Item) (bool, error) {
					_, isString := item.(string)
					assert.True(t, isString, "provider must only see the caller's item")
					return true, fail("has_more")
				},
				GetBatchFn: func(context.Context, Item) ([]Item, error) {
					return nil, fail("get_batch")
				},
				ShouldProcessFn: func(context.Context, Item) (bool, error) {
					return false, fail("should_process")
				},
			}
			exec := newTestExecutor(t, p, Config{})

			res, err := exec.TraverseTree(context.Background(), "flaky")
			require.NoError(t, err)

			assert.Equal(t, tt.wantTraversed, res.TraversedCount)
			require.Len(t, res.Errors, tt.wantErrors)
			if tt.wantErrors > 0 {
				assert.Equal(t, MethodTraverse, res.Errors[0].Method)
				assert.Equal(t, "flaky", res.Errors[0].Item)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestTraverseTree_RetriedChildStillFansOut(t *testing.T) {
	t.Parallel()

	var failed atomic.Bool
	p := &ProviderFuncs{
		HasMoreFn: func(_ context.Context, item Item) (bool, error) {
			if item == "root" && failed.CompareAndSwap(false, true) {
				return false, errors.New("throttled")
			}
			return item == "root", nil
		},
		GetBatchFn: func(context.Context, Item) ([]Item, error) {
			return []Item{"x", "y"}, nil
		},
		ShouldProcessFn: func(_ context.Context, item Item) (bool, error) {
			return item != "root", nil
		},
	}
	exec := newTestExecutor(t, p, Config{TraversalLimit: 2})

	res, err := exec.TraverseTree(context.Background(), "root")
	require.NoError(t, err)

	assert.Equal(t, 3, res.TraversedCount)
	assert.Equal(t, 2, res.ProcessedCount)
	assert.Empty(t, res.Errors)
}

func TestProcessItems_ResumeFromState(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var processed []Item
	p := &ProviderFuncs{
		ProcessFn: func(_ context.Context, item Item) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, item)
			return nil
		},
	}
	exec := newTestExecutor(t, p, Config{ProcessLimit: 2})

	require.NoError(t, exec.SetState(State{ProcessingQueue: []Item{"q1", "q2", "q3"}}))

	res, err := exec.ProcessItems(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.ProcessedCount)
	assert.ElementsMatch(t, []Item{"q1", "q2", "q3"}, processed)
	assert.False(t, exec.State().Pending())
}

func TestSetState_RestoresCountersAndBatches(t *testing.T) {
	t.Parallel()

	p := new(treeProvider)
	exec := newTestExecutor(t, p, Config{})

	leaf := &treeNode{Name: "in-flight-leaf"}
	pendingLeaf := &treeNode{Name: "queued-for-processing"}
	require.NoError(t, exec.SetState(State{
		ProcessedCount:  10,
		TraversedCount:  20,
		Errors:          []ErrorItem{{Method: MethodProcess, Item: "old", Err: errors.New("old failure")}},
		TraversalBatch:  []Node{{Item: leaf}},
		ProcessingBatch: []Item{pendingLeaf},
	}))

	res, err := exec.TraverseTree(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 21, res.TraversedCount)
	assert.Equal(t, 12, res.ProcessedCount)
	assert.Len(t, res.Errors, 1)
	assert.ElementsMatch(t, []string{"in-flight-leaf", "queued-for-processing"}, p.processed)
}

func TestSetState_KeepsRetryMarker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := &ProviderFuncs{
		HasMoreFn: func(context.Context, Item) (bool, error) {
			calls.Add(1)
			return false, errors.New("still broken")
		},
	}
	exec := newTestExecutor(t, p, Config{})
	require.NoError(t, exec.SetState(State{TraversalQueue: []Node{{Item: "retried", Retried: true}}}))

	res, err := exec.TraverseTree(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, MethodTraverse, res.Errors[0].Method)
}

func TestStop_LeavesUndiscoveredItemsQueued(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	child := &treeNode{Name: "undiscovered"}
	root := &treeNode{Name: "root", Children: []*treeNode{child}}

	p := &slowTreeProvider{started: started, release: release}
	exec := newTestExecutor(t, p, Config{})

	done := make(chan Result, 1)
	go func() {
		res, err := exec.TraverseTree(context.Background(), root)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	assert.True(t, exec.Running())
	exec.Stop()
	close(release)

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("traversal did not stop")
	}

	assert.Equal(t, 1, res.TraversedCount)
	assert.Zero(t, res.ProcessedCount)

	st := exec.State()
	require.Len(t, st.TraversalQueue, 1)
	assert.Equal(t, child, st.TraversalQueue[0].Item)
	assert.False(t, st.TraversalQueue[0].Retried)
	assert.Empty(t, st.TraversalBatch)
	assert.True(t, st.Pending())

	// A fresh run resumes from where the stopped one left off.
	resumed := newTestExecutor(t, new(treeProvider), Config{})
	require.NoError(t, resumed.SetState(st))
	res, err := resumed.TraverseTree(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TraversedCount)
	assert.Equal(t, 1, res.ProcessedCount)
}

// slowTreeProvider blocks the first GetBatch call until released.
type slowTreeProvider struct {
	treeProvider

	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (p *slowTreeProvider) GetBatch(ctx context.Context, item Item) ([]Item, error) {
	p.once.Do(func() {
		close(p.started)
		<-p.release
	})
	return p.treeProvider.GetBatch(ctx, item)
}

func TestStop_WithoutRunIsNoop(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, new(treeProvider), Config{})
	exec.Stop()

	res, err := exec.TraverseTree(context.Background(), familyTree())
	require.NoError(t, err)
	assert.Equal(t, 13, res.TraversedCount)
}

func TestContextCancel_LeavesInterruptedItemsQueued(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &ProviderFuncs{
		ProcessFn: func(ctx context.Context, item Item) error {
			if item == "b" {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	}
	exec := newTestExecutor(t, p, Config{})

	res, err := exec.ProcessItems(ctx, "a", "b", "c")
	require.NoError(t, err)

	assert.Empty(t, res.Errors)
	st := exec.State()
	assert.Contains(t, st.ProcessingQueue, "b")
	assert.Equal(t, 3, res.ProcessedCount+len(st.ProcessingQueue))
}

func TestContextCancel_RecordsUnrelatedProcessFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diskFull := errors.New("disk full")
	p := &ProviderFuncs{
		ProcessFn: func(context.Context, Item) error {
			// Fails for its own reason after the run was cancelled.
			cancel()
			return diskFull
		},
	}
	exec := newTestExecutor(t, p, Config{})

	res, err := exec.ProcessItems(ctx, "a")
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, MethodProcess, res.Errors[0].Method)
	assert.Equal(t, "a", res.Errors[0].Item)
	assert.ErrorIs(t, res.Errors[0].Err, diskFull)
	assert.Empty(t, exec.State().ProcessingQueue)
}

func TestRunWhileRunning(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := &ProviderFuncs{
		ProcessFn: func(context.Context, Item) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}
	exec := newTestExecutor(t, p, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := exec.ProcessItems(context.Background(), "x")
		assert.NoError(t, err)
	}()
	<-started

	assert.ErrorIs(t, exec.SetState(State{}), ErrRunning)
	_, err := exec.TraverseTree(context.Background(), "y")
	assert.ErrorIs(t, err, ErrRunning)
	_, err = exec.ProcessItems(context.Background(), "z")
	assert.ErrorIs(t, err, ErrRunning)

	close(release)
	<-done
	assert.False(t, exec.Running())
	assert.NoError(t, exec.SetState(State{}))
}

func TestProcessLimit_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 3
	var inFlight, peak atomic.Int32
	p := &ProviderFuncs{
		ProcessFn: func(context.Context, Item) error {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}
	exec := newTestExecutor(t, p, Config{ProcessLimit: limit})

	items := make([]Item, 12)
	for i := range items {
		items[i] = i
	}
	res, err := exec.ProcessItems(context.Background(), items...)
	require.NoError(t, err)

	assert.Equal(t, 12, res.ProcessedCount)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(limit), peak.Load())
}

func TestTraversalLimit_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 2
	var inFlight, peak atomic.Int32
	p := &ProviderFuncs{
		HasMoreFn: func(_ context.Context, item Item) (bool, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return item == "root", nil
		},
		GetBatchFn: func(context.Context, Item) ([]Item, error) {
			return []Item{1, 2, 3, 4, 5, 6}, nil
		},
	}
	exec := newTestExecutor(t, p, Config{TraversalLimit: limit})

	res, err := exec.TraverseTree(context.Background(), "root")
	require.NoError(t, err)

	assert.Equal(t, 7, res.TraversedCount)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestProcessRate_LimitsThroughput(t *testing.T) {
	t.Parallel()

	p := &ProviderFuncs{ProcessFn: func(context.Context, Item) error { return nil }}
	exec := newTestExecutor(t, p, Config{ProcessLimit: 4, ProcessRate: 100, ProcessBurst: 1})

	start := time.Now()
	res, err := exec.ProcessItems(context.Background(), 1, 2, 3, 4, 5, 6)
	require.NoError(t, err)

	assert.Equal(t, 6, res.ProcessedCount)
	// Five tokens beyond the initial burst at 100/s take at least ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

// countingMetrics records the signals it receives.
type countingMetrics struct {
	NopMetrics

	traversed, processed, retries, errs atomic.Int32
}

func (m *countingMetrics) IncItemsTraversed(context.Context)     { m.traversed.Add(1) }
func (m *countingMetrics) IncItemsProcessed(context.Context)     { m.processed.Add(1) }
func (m *countingMetrics) IncTraversalRetries(context.Context)   { m.retries.Add(1) }
func (m *countingMetrics) IncItemErrors(context.Context, Method) { m.errs.Add(1) }

func TestExecutor_ReportsMetrics(t *testing.T) {
	t.Parallel()

	m := new(countingMetrics)
	exec, err := New(new(treeProvider), WithMetrics(m), WithConfig(Config{WaitDuration: time.Millisecond}))
	require.NoError(t, err)

	_, err = exec.TraverseTree(context.Background(), familyTree())
	require.NoError(t, err)

	assert.Equal(t, int32(13), m.traversed.Load())
	assert.Equal(t, int32(8), m.processed.Load())
	assert.Zero(t, m.retries.Load())
	assert.Zero(t, m.errs.Load())
}
