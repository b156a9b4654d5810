package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcache/pkg/message"
)

// fakeManager is a minimal BlockManager: an unbounded map with no real
// eviction or network round-trip, enough to exercise Sequence's own
// index/shift algorithms independent of cache or transport behavior.
type fakeManager struct {
	blocks        map[uint64]*message.Message
	prefetchCalls int
}

func newFakeManager() *fakeManager {
	return &fakeManager{blocks: make(map[uint64]*message.Message)}
}

func (f *fakeManager) GetBlock(structureID, blockID uint32) (*message.Message, bool) {
	msg, ok := f.blocks[message.Key(structureID, blockID)]
	return msg, ok
}

func (f *fakeManager) GetBlockOrFetch(_ context.Context, structureID, blockID uint32) (*message.Message, error) {
	msg, ok := f.blocks[message.Key(structureID, blockID)]
	if !ok {
		return nil, errors.New("fakeManager: block not found")
	}
	return msg, nil
}

func (f *fakeManager) StoreBlock(_ context.Context, msg *message.Message) error {
	f.blocks[msg.Key()] = msg
	return nil
}

func (f *fakeManager) Prefetch(_ context.Context, _, _ uint32) error {
	f.prefetchCalls++
	return nil
}

func newTestSequence(t *testing.T, strategy Strategy, distance int) (*Sequence[int64], *fakeManager) {
	t.Helper()
	mgr := newFakeManager()
	seq, err := New[int64](mgr, 1, 16, distance, strategy) // 16 bytes/block = 2 int64s/block
	require.NoError(t, err)
	return seq, mgr
}

func pushAll(t *testing.T, seq *Sequence[int64], vals []int64) {
	t.Helper()
	for _, v := range vals {
		require.NoError(t, seq.PushBack(context.Background(), v))
	}
}

func readAll(t *testing.T, seq *Sequence[int64]) []int64 {
	t.Helper()
	out := make([]int64, seq.Len())
	for i := range out {
		v, err := seq.At(context.Background(), i)
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func TestSequencePushBackAndAt(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{10, 20, 30, 40, 50})
	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, readAll(t, seq))
}

func TestSequenceSetOverwritesElement(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{1, 2, 3})
	require.NoError(t, seq.Set(context.Background(), 1, 99))
	assert.Equal(t, []int64{1, 99, 3}, readAll(t, seq))
}

func TestSequenceAtOutOfRange(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{1})
	_, err := seq.At(context.Background(), 5)
	assert.Error(t, err)
	_, err = seq.At(context.Background(), -1)
	assert.Error(t, err)
}

func TestSequenceInsertShiftsElementsRight(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{0, 1, 2, 3, 4})
	require.NoError(t, seq.Insert(context.Background(), 2, 99))
	assert.Equal(t, []int64{0, 1, 99, 2, 3, 4}, readAll(t, seq))
}

func TestSequenceInsertAtEndAppends(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{0, 1, 2})
	require.NoError(t, seq.Insert(context.Background(), 3, 9))
	assert.Equal(t, []int64{0, 1, 2, 9}, readAll(t, seq))
}

func TestSequenceEraseShiftsLeftOnce(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{0, 1, 2, 3, 4})
	require.NoError(t, seq.Erase(context.Background(), 1))
	assert.Equal(t, []int64{0, 2, 3, 4}, readAll(t, seq))
}

func TestSequenceEraseLastElement(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{0, 1, 2})
	require.NoError(t, seq.Erase(context.Background(), 2))
	assert.Equal(t, []int64{0, 1}, readAll(t, seq))
}

func TestSequenceSwap(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{10, 20, 30})
	require.NoError(t, seq.Swap(context.Background(), 0, 2))
	assert.Equal(t, []int64{30, 20, 10}, readAll(t, seq))
}

func TestSequenceClearEmptiesSequence(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{1, 2, 3, 4})
	require.NoError(t, seq.Clear(context.Background()))
	assert.Equal(t, 0, seq.Len())
}

func TestSequenceSortOrdersElements(t *testing.T) {
	seq, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, seq, []int64{5, 3, 8, 1, 9, 2, 7, 4, 6, 0})
	require.NoError(t, seq.Sort(context.Background(), func(a, b int64) bool { return a < b }))
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, readAll(t, seq))
}

func TestSequencePrefetchDoesNotChangeResults(t *testing.T) {
	values := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	none, _ := newTestSequence(t, NoPrefetch, 0)
	pushAll(t, none, values)

	forward, mgr := newTestSequence(t, Forward, 1)
	pushAll(t, forward, values)

	assert.Equal(t, readAll(t, none), readAll(t, forward))
	assert.Greater(t, mgr.prefetchCalls, 0)
}
