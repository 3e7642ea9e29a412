package validation

import (
	"context"

	"golang.org/x/sync/errgroup"

	"subvalidator/internal/types"
)

// BatchItem is the result for one key of a batch. Exactly one of Outcome
// and Err is meaningful.
type BatchItem struct {
	Key     types.TenantKey
	Outcome Outcome
	Err     error
}

// ValidateBatch validates every key independently. The returned slice is
// index-aligned with keys; a failure for one key is recorded at its index
// and does not affect the others.
func (e *Engine) ValidateBatch(ctx context.Context, keys []types.TenantKey) []BatchItem {
	items := make([]BatchItem, len(keys))

	// A plain Group: one failed key must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(e.batchConcurrency)

	for i, key := range keys {
		items[i].Key = key
		g.Go(func() error {
			if err := key.Validate(); err != nil {
				items[i].Err = err
				return nil
			}
			out, err := e.validateOne(ctx, key)
			items[i].Outcome = out
			items[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return items
}
