package batch

import "context"

// Item is an opaque unit of work. The engine never inspects it; it only hands
// items to and from the Provider.
type Item = any

// Provider supplies the data-source specific behaviour the Executor calls back
// into to discover, filter and terminally handle items.
type Provider interface {
	// FormatForLog returns a redacted or simplified projection of item that is
	// safe to log. It must not fail.
	FormatForLog(item Item) any

	// HasMore reports whether item has children that have not been discovered
	// yet. It must be read-only: the Executor retries a failed traversal on the
	// assumption that calling it again is harmless.
	HasMore(ctx context.Context, item Item) (bool, error)

	// GetBatch returns the next set of children for item. It is only called
	// after HasMore returned true and may return an empty slice.
	GetBatch(ctx context.Context, item Item) ([]Item, error)

	// ShouldProcess decides whether item itself, independent of its children,
	// must be handed to Process.
	ShouldProcess(ctx context.Context, item Item) (bool, error)

	// Process performs the terminal handling of item. Errors are recorded and
	// never retried.
	Process(ctx context.Context, item Item) error
}

var _ Provider = NopProvider{}

// NopProvider is the default Provider: it discovers nothing, processes nothing
// and logs items unchanged. Embed it to override only the methods a data source
// needs.
type NopProvider struct{}

func (NopProvider) FormatForLog(item Item) any                        { return item }
func (NopProvider) HasMore(context.Context, Item) (bool, error)       { return false, nil }
func (NopProvider) GetBatch(context.Context, Item) ([]Item, error)    { return nil, nil }
func (NopProvider) ShouldProcess(context.Context, Item) (bool, error) { return false, nil }
func (NopProvider) Process(context.Context, Item) error               { return nil }

var _ Provider = (*ProviderFuncs)(nil)

// ProviderFuncs builds a Provider from individual functions. Nil fields fall
// back to the NopProvider behaviour.
type ProviderFuncs struct {
	FormatForLogFn  func(item Item) any
	HasMoreFn       func(ctx context.Context, item Item) (bool, error)
	GetBatchFn      func(ctx context.Context, item Item) ([]Item, error)
	ShouldProcessFn func(ctx context.Context, item Item) (bool, error)
	ProcessFn       func(ctx context.Context, item Item) error
}

func (p *ProviderFuncs) FormatForLog(item Item) any {
	if p.FormatForLogFn == nil {
		return item
	}
	return p.FormatForLogFn(item)
}

func (p *ProviderFuncs) HasMore(ctx context.Context, item Item) (bool, error) {
	if p.HasMoreFn == nil {
		return false, nil
	}
	return p.HasMoreFn(ctx, item)
}

func (p *ProviderFuncs) GetBatch(ctx context.Context, item Item) ([]Item, error) {
	if p.GetBatchFn == nil {
		return nil, nil
	}
	return p.GetBatchFn(ctx, item)
}

func (p *ProviderFuncs) ShouldProcess(ctx context.Context, item Item) (bool, error) {
	if p.ShouldProcessFn == nil {
		return false, nil
	}
	return p.ShouldProcessFn(ctx, item)
}

func (p *ProviderFuncs) Process(ctx context.Context, item Item) error {
	if p.ProcessFn == nil {
		return nil
	}
	return p.ProcessFn(ctx, item)
}
