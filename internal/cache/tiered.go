package cache

import (
	"context"
	"errors"

	"github.com/raaihank/text2vec/internal/embeddings"
)

// Tiered consults a local store before a remote one. Remote hits are copied
// into the local tier.
type Tiered struct {
	local  Store
	remote Store
}

var _ Store = (*Tiered)(nil)

// NewTiered combines local and remote stores. Either may be nil.
func NewTiered(local, remote Store) *Tiered {
	return &Tiered{local: local, remote: remote}
}

func (t *Tiered) Get(ctx context.Context, key string) (embeddings.Vector, bool, error) {
	if t.local != nil {
		if vec, ok, err := t.local.Get(ctx, key); err == nil && ok {
			return vec, true, nil
		}
	}
	if t.remote == nil {
		return nil, false, nil
	}

	vec, ok, err := t.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if t.local != nil {
		_ = t.local.Set(ctx, key, vec)
	}
	return vec, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, vec embeddings.Vector) error {
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.Set(ctx, key, vec))
	}
	if t.remote != nil {
		errs = append(errs, t.remote.Set(ctx, key, vec))
	}
	return errors.Join(errs...)
}

func (t *Tiered) SetBatch(ctx context.Context, keys []string, vecs []embeddings.Vector) error {
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.SetBatch(ctx, keys, vecs))
	}
	if t.remote != nil {
		errs = append(errs, t.remote.SetBatch(ctx, keys, vecs))
	}
	return errors.Join(errs...)
}

func (t *Tiered) Close() error {
	var errs []error
	if t.local != nil {
		errs = append(errs, t.local.Close())
	}
	if t.remote != nil {
		errs = append(errs, t.remote.Close())
	}
	return errors.Join(errs...)
}
