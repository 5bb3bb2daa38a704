// Package paginate turns AWS SDK v2 paginators into lazy item sequences.
package paginate

import (
	"context"
	"iter"
)

// Pager is the method set shared by every generated SDK v2 paginator.
// P is the page output type, O the service client Options type.
type Pager[P any, O any] interface {
	HasMorePages() bool
	NextPage(ctx context.Context, optFns ...func(*O)) (P, error)
}

// Seq walks every page of a fresh pager and yields the items extract pulls
// out of each page. Pages are fetched only as items are consumed. Each range
// over the returned sequence starts again from the first page. A page error
// is yielded once with a zero item and ends the sequence.
func Seq[P any, O any, T any](ctx context.Context, newPager func() Pager[P, O], extract func(P) []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		pager := newPager()
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range extract(page) {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// Collect drains seq, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var items []T
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
