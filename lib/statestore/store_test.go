package statestore

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
)

type key string

func (k key) String() string { return string(k) }

type record struct {
	Name  string
	Count int
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	st := New[record](ds)

	require.NoError(t, st.Begin(ctx, key("a"), &record{Name: "a"}))
	require.Error(t, st.Begin(ctx, key("a"), &record{Name: "again"}))

	require.NoError(t, st.Mutate(ctx, key("a"), func(r *record) error {
		r.Count++
		return nil
	}))

	got, err := st.Get(ctx, key("a"))
	require.NoError(t, err)
	require.Equal(t, record{Name: "a", Count: 1}, *got)

	_, err = st.Get(ctx, key("missing"))
	require.ErrorIs(t, err, datastore.ErrNotFound)
	require.ErrorIs(t, st.Mutate(ctx, key("missing"), func(*record) error { return nil }), datastore.ErrNotFound)

	require.NoError(t, st.Begin(ctx, key("b"), &record{Name: "b"}))
	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// undecodable entries are skipped and reported
	require.NoError(t, ds.Put(ctx, datastore.NewKey("junk"), []byte{0xff}))
	all, err = st.List(ctx)
	require.Error(t, err)
	require.Len(t, all, 2)

	require.NoError(t, st.End(ctx, key("a")))
	has, err := st.Has(ctx, key("a"))
	require.NoError(t, err)
	require.False(t, has)
	require.Error(t, st.End(ctx, key("a")))
}
