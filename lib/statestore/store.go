// Package statestore keeps CBOR encoded records in a go-datastore, one key
// per record.
package statestore

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type StateStore[T any] struct {
	ds datastore.Datastore
}

func New[T any](ds datastore.Datastore) *StateStore[T] {
	return &StateStore[T]{ds: ds}
}

func toKey(k fmt.Stringer) datastore.Key {
	return datastore.NewKey(k.String())
}

// Begin starts tracking state for i. It fails if i is already tracked.
func (st *StateStore[T]) Begin(ctx context.Context, i fmt.Stringer, state *T) error {
	k := toKey(i)
	has, err := st.ds.Has(ctx, k)
	if err != nil {
		return err
	}
	if has {
		return xerrors.Errorf("already tracking state for %v", i)
	}

	b, err := encMode.Marshal(state)
	if err != nil {
		return err
	}

	return st.ds.Put(ctx, k, b)
}

func (st *StateStore[T]) End(ctx context.Context, i fmt.Stringer) error {
	k := toKey(i)
	has, err := st.ds.Has(ctx, k)
	if err != nil {
		return err
	}
	if !has {
		return xerrors.Errorf("no state for %s: %w", i, datastore.ErrNotFound)
	}
	return st.ds.Delete(ctx, k)
}

// Mutate decodes the state for i, applies mutator and writes it back.
// Callers serialise mutations of the same key.
func (st *StateStore[T]) Mutate(ctx context.Context, i fmt.Stringer, mutator func(*T) error) error {
	k := toKey(i)
	cur, err := st.ds.Get(ctx, k)
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return xerrors.Errorf("no state for %s: %w", i, err)
		}
		return err
	}

	var state T
	if err := cbor.Unmarshal(cur, &state); err != nil {
		return xerrors.Errorf("decoding state for %s: %w", i, err)
	}
	if err := mutator(&state); err != nil {
		return err
	}

	b, err := encMode.Marshal(&state)
	if err != nil {
		return err
	}
	return st.ds.Put(ctx, k, b)
}

func (st *StateStore[T]) Has(ctx context.Context, i fmt.Stringer) (bool, error) {
	return st.ds.Has(ctx, toKey(i))
}

func (st *StateStore[T]) Get(ctx context.Context, i fmt.Stringer) (*T, error) {
	k := toKey(i)
	val, err := st.ds.Get(ctx, k)
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return nil, xerrors.Errorf("no state for %s: %w", i, err)
		}
		return nil, err
	}

	var out T
	if err := cbor.Unmarshal(val, &out); err != nil {
		return nil, xerrors.Errorf("decoding state for %s: %w", i, err)
	}
	return &out, nil
}

// List decodes every record. Records that fail to decode are skipped and
// reported together in the returned error alongside the decoded ones.
func (st *StateStore[T]) List(ctx context.Context) ([]T, error) {
	res, err := st.ds.Query(ctx, query.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close() // nolint

	var out []T
	var errs error

	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}

		var elem T
		if err := cbor.Unmarshal(r.Value, &elem); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("decoding state for key '%s': %w", r.Key, err))
			continue
		}
		out = append(out, elem)
	}

	return out, errs
}
