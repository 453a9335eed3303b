package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/always-cache/cacheserver/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downDialer struct{}

func (downDialer) Dial(ctx context.Context) (store.Commands, error) {
	return nil, errors.New("connection refused")
}

func (downDialer) String() string { return "down" }

func newAnalytics(t *testing.T, opts ...Option) (*Analytics, *store.Memory) {
	t.Helper()
	mem := store.NewMemory("")
	conn := store.NewConn(mem, store.Options{}, zerolog.Nop())
	t.Cleanup(func() { conn.Close() })
	return New(conn, Keys{}, zerolog.Nop(), opts...), mem
}

func TestTotalVisitsAbsent(t *testing.T) {
	a, _ := newAnalytics(t)

	n, err := a.TotalVisits(context.Background())
	assert.Equal(t, Unavailable, n)
	assert.ErrorIs(t, err, store.ErrNil)
}

func TestRecordVisit(t *testing.T) {
	for name, opts := range map[string][]Option{
		"plain":  nil,
		"atomic": {WithAtomicVisits()},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := newAnalytics(t, opts...)

			for i := 0; i < 3; i++ {
				a.RecordVisit(ctx, "index.html")
			}
			a.RecordVisit(ctx, "blog/a.html")

			n, err := a.TotalVisits(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n)

			pages, err := a.TopPages(ctx, 0, DefaultWantVisitCount)
			require.NoError(t, err)
			assert.Equal(t, []PageVisits{
				{Path: "index.html", Visits: 3},
				{Path: "blog/a.html", Visits: 1},
			}, pages)
		})
	}
}

func TestTopPagesBounds(t *testing.T) {
	ctx := context.Background()
	a, _ := newAnalytics(t)

	pages, err := a.TopPages(ctx, 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, pages)
	assert.Empty(t, pages)

	for i, path := range []string{"a.html", "b.html", "c.html", "d.html"} {
		for j := 0; j <= i; j++ {
			a.RecordVisit(ctx, path)
		}
	}

	// both bounds are inclusive
	pages, err = a.TopPages(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []PageVisits{{"d.html", 4}, {"c.html", 3}}, pages)

	pages, err = a.TopPages(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []PageVisits{{"b.html", 2}, {"a.html", 1}}, pages)

	pages, err = a.TopPages(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, pages, 4)
	for i := 1; i < len(pages); i++ {
		assert.GreaterOrEqual(t, pages[i-1].Visits, pages[i].Visits)
	}
}

func TestCustomKeys(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory("")
	conn := store.NewConn(mem, store.Options{}, zerolog.Nop())
	a := New(conn, Keys{TotalVisits: "total", VisitRanking: "ranking"}, zerolog.Nop())

	a.RecordVisit(ctx, "a.html")

	cmds, err := mem.Dial(ctx)
	require.NoError(t, err)
	val, err := cmds.Get(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	_, err = cmds.Get(ctx, DefaultKeys().TotalVisits)
	assert.ErrorIs(t, err, store.ErrNil)
}

func TestTotalVisitsWrongType(t *testing.T) {
	ctx := context.Background()
	a, mem := newAnalytics(t)
	cmds, err := mem.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, cmds.HSet(ctx, DefaultKeys().TotalVisits, "f", "v"))

	n, err := a.TotalVisits(ctx)
	assert.Equal(t, Unavailable, n)
	assert.True(t, store.IsReplyError(err))
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	conn := store.NewConn(downDialer{}, store.Options{MaxRetryCount: 0}, zerolog.Nop())
	a := New(conn, Keys{}, zerolog.Nop())

	a.RecordVisit(ctx, "a.html")

	n, err := a.TotalVisits(ctx)
	assert.Equal(t, Unavailable, n)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	pages, err := a.TopPages(ctx, 0, 10)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Nil(t, pages)
}
