package paginate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct {
	items []string
}

type options struct{}

// fakePager serves pages in order and fails at failAt (1-based) when set.
type fakePager struct {
	pages  [][]string
	next   int
	failAt int
	calls  *int
}

func (f *fakePager) HasMorePages() bool {
	return f.next < len(f.pages)
}

func (f *fakePager) NextPage(_ context.Context, _ ...func(*options)) (page, error) {
	*f.calls++
	f.next++
	if f.failAt == f.next {
		return page{}, errors.New("throttled")
	}
	return page{items: f.pages[f.next-1]}, nil
}

func newSource(pages [][]string, failAt int, calls *int) func() Pager[page, options] {
	return func() Pager[page, options] {
		return &fakePager{pages: pages, failAt: failAt, calls: calls}
	}
}

func items(p page) []string { return p.items }

func TestSeq_AllPages(t *testing.T) {
	calls := 0
	seq := Seq(context.Background(), newSource([][]string{{"a", "b"}, {}, {"c"}}, 0, &calls), items)

	got, err := Collect(seq)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 3, calls)
}

func TestSeq_Lazy(t *testing.T) {
	calls := 0
	seq := Seq(context.Background(), newSource([][]string{{"a", "b"}, {"c"}}, 0, &calls), items)

	for item, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "a", item)
		break
	}

	assert.Equal(t, 1, calls, "second page must not be fetched")
}

func TestSeq_Restartable(t *testing.T) {
	calls := 0
	seq := Seq(context.Background(), newSource([][]string{{"a"}, {"b"}}, 0, &calls), items)

	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 4, calls)
}

func TestSeq_Error(t *testing.T) {
	calls := 0
	seq := Seq(context.Background(), newSource([][]string{{"a"}, {"b"}, {"c"}}, 2, &calls), items)

	var seen []string
	var gotErr error
	for item, err := range seq {
		if err != nil {
			gotErr = err
			continue
		}
		seen = append(seen, item)
	}

	require.Error(t, gotErr)
	assert.Equal(t, []string{"a"}, seen)
	assert.Equal(t, 2, calls)

	_, err := Collect(seq)
	assert.EqualError(t, err, "throttled")
}

func TestSeq_Empty(t *testing.T) {
	calls := 0
	got, err := Collect(Seq(context.Background(), newSource(nil, 0, &calls), items))

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, calls)
}
