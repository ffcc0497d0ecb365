// Package batch implements a traversal and processing engine for data
// extractors.
//
// An Executor walks an externally defined, possibly unbounded hierarchy of
// items (folders, pages, cursors) through a Provider, decides per item whether
// it must be processed, and runs processing with bounded concurrency. Two FIFO
// queues back the engine: the traversal queue holds items whose children and
// relevance are still unknown, the processing queue holds items confirmed to
// need terminal handling. Each scheduling iteration atomically drains a queue
// into a batch, so items discovered while a batch runs are never part of it.
//
// Per-item failures never abort a run. A discovery failure is retried once by
// re-enqueueing the item; a second failure, or any Process failure, is recorded
// as an ErrorItem in the Result.
//
// The complete in-flight state is exposed through State and SetState so a
// caller can checkpoint a run and resume it in a later invocation:
//
//	exec, err := batch.New(provider, batch.WithConfig(batch.Config{TraversalLimit: 4, ProcessLimit: 8}))
//	if err != nil {
//		return err
//	}
//	if err := exec.SetState(saved); err != nil {
//		return err
//	}
//	res, err := exec.TraverseTree(ctx)
//	if err != nil {
//		return err
//	}
//	persist(exec.State())
package batch
