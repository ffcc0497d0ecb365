package batch

import (
	"encoding/json"
	"slices"
	"time"
)

// Node is a traversal queue entry. It carries the engine's retry bookkeeping
// alongside the caller's item so the Provider never observes it.
type Node struct {
	Item    Item `json:"item"`
	Retried bool `json:"retried,omitempty"`
}

// State is the complete resumable snapshot of an Executor.
//
// TraversalBatch and ProcessingBatch hold items that were in flight when the
// snapshot was taken. They are treated as not yet completed and are queued
// again ahead of everything else when the next run starts.
type State struct {
	Errors          []ErrorItem `json:"errors,omitempty"`
	ProcessedCount  int         `json:"processedCount"`
	TraversedCount  int         `json:"traversedCount"`
	TraversalQueue  []Node      `json:"traversalQueue,omitempty"`
	TraversalBatch  []Node      `json:"traversalBatch,omitempty"`
	ProcessingQueue []Item      `json:"processingQueue,omitempty"`
	ProcessingBatch []Item      `json:"processingBatch,omitempty"`
}

// Pending reports whether any item still needs traversal or processing.
func (s State) Pending() bool {
	return len(s.TraversalQueue)+len(s.TraversalBatch)+len(s.ProcessingQueue)+len(s.ProcessingBatch) > 0
}

// Clone returns a copy of s whose slices do not alias the original. Items
// themselves are not copied.
func (s State) Clone() State {
	return State{
		Errors:          slices.Clone(s.Errors),
		ProcessedCount:  s.ProcessedCount,
		TraversedCount:  s.TraversedCount,
		TraversalQueue:  slices.Clone(s.TraversalQueue),
		TraversalBatch:  slices.Clone(s.TraversalBatch),
		ProcessingQueue: slices.Clone(s.ProcessingQueue),
		ProcessingBatch: slices.Clone(s.ProcessingBatch),
	}
}

// Result summarizes a run. Counters include any values restored through
// SetState.
type Result struct {
	Duration       time.Duration `json:"-"`
	Errors         []ErrorItem   `json:"errors"`
	ProcessedCount int           `json:"processedCount"`
	TraversedCount int           `json:"traversedCount"`
}

// DurationMs returns the run duration in milliseconds.
func (r Result) DurationMs() int64 { return r.Duration.Milliseconds() }

// MarshalJSON adds the duration in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type result Result
	return json.Marshal(&struct {
		result
		DurationMs int64 `json:"durationMs"`
	}{
		result:     result(r),
		DurationMs: r.DurationMs(),
	})
}
