package prefetch

import (
	"context"
	"errors"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

// Publishers fans a summary out to every publisher; all are attempted.
type Publishers []Publisher

func (ps Publishers) PublishSummary(ctx context.Context, s feed.Summary) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishSummary(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
