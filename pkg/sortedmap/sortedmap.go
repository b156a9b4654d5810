// Package sortedmap is a thin key-ordered overlay on top of a block
// sequence: Get and Insert reduce to binary search over a Sequence kept
// sorted by key on every insertion.
package sortedmap

import (
	"cmp"
	"context"

	"github.com/marmos91/blockcache/pkg/sequence"
)

// Pair is one key/value entry, stored as a single fixed-size element of the
// underlying Sequence. Like any Sequence element, K and V must be
// fixed-size value types with no pointers, strings, slices, or maps inside
// them — Sequence copies element bytes directly into block storage, and a
// pointer copied that way is not visible to the garbage collector.
type Pair[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Map is a sorted association container over a *sequence.Sequence[Pair[K, V]].
type Map[K cmp.Ordered, V any] struct {
	seq *sequence.Sequence[Pair[K, V]]
}

// New wraps an existing, already-sorted Sequence of pairs. Callers that
// need a fresh Map should construct the Sequence via sequence.New first.
func New[K cmp.Ordered, V any](seq *sequence.Sequence[Pair[K, V]]) *Map[K, V] {
	return &Map[K, V]{seq: seq}
}

// search returns the index of key if present (found=true), otherwise the
// index it would need to be inserted at to keep the sequence sorted.
func (m *Map[K, V]) search(ctx context.Context, key K) (idx int, found bool, err error) {
	lo, hi := 0, m.seq.Len()
	for lo < hi {
		mid := (lo + hi) / 2
		pair, err := m.seq.At(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		switch {
		case pair.Key == key:
			return mid, true, nil
		case cmp.Less(pair.Key, key):
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false, nil
}

// Get returns the value for key, if present.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	idx, found, err := m.search(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	pair, err := m.seq.At(ctx, idx)
	if err != nil {
		return zero, false, err
	}
	return pair.Value, true, nil
}

// Insert places value at key if key is not already present, preserving
// sort order. The caller-supplied value is always what gets written on a
// new key — never a hardcoded placeholder. If key already exists, Insert
// leaves its current value untouched.
func (m *Map[K, V]) Insert(ctx context.Context, key K, value V) error {
	idx, found, err := m.search(ctx, key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return m.seq.Insert(ctx, idx, Pair[K, V]{Key: key, Value: value})
}

// Delete removes key's entry, if present.
func (m *Map[K, V]) Delete(ctx context.Context, key K) error {
	idx, found, err := m.search(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return m.seq.Erase(ctx, idx)
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.seq.Len() }
