package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcache/pkg/blockcache"
	"github.com/marmos91/blockcache/pkg/eviction"
	"github.com/marmos91/blockcache/pkg/message"
	"github.com/marmos91/blockcache/pkg/transport"
)

// fakeWorker is a minimal stand-in for pkg/worker.Worker: it owns a plain
// map and answers STORE_BLOCK/GET_BLOCK/ERASE_BLOCK/FINISH on its Fabric,
// so manager tests can exercise real network round-trips without pulling in
// the worker package.
type fakeWorker struct {
	t    *transport.Fabric
	mu   sync.Mutex
	data map[uint64]*message.Message
	done chan struct{}
}

func newFakeWorker(t *transport.Fabric) *fakeWorker {
	return &fakeWorker{t: t, data: make(map[uint64]*message.Message), done: make(chan struct{})}
}

func (w *fakeWorker) run() {
	for {
		msg, err := w.t.Recv(context.Background(), transport.AnyRank, transport.AnyTag)
		if err != nil {
			close(w.done)
			return
		}
		key := msg.Key()
		switch msg.Tag {
		case message.StoreBlock:
			w.mu.Lock()
			w.data[key] = message.CloneIfBorrowed(msg)
			w.mu.Unlock()
		case message.GetBlock:
			w.mu.Lock()
			stored, ok := w.data[key]
			w.mu.Unlock()
			var reply *message.Message
			if ok {
				reply = message.Clone(stored)
				reply.Tag = message.StoreBlock
			} else {
				reply = message.Create(0, message.BlockNotFound, uint32(w.t.Rank()), msg.StructureID, msg.BlockID)
			}
			reply.SourceRank = uint32(w.t.Rank())
			_ = w.t.Send(context.Background(), reply, int(msg.SourceRank))
		case message.EraseBlock:
			w.mu.Lock()
			delete(w.data, key)
			w.mu.Unlock()
		case message.Finish:
			close(w.done)
			return
		}
	}
}

func newTestManager(t *testing.T, worldSize int, capacityBytes uint64) (*Manager, []*fakeWorker, []*transport.Fabric) {
	t.Helper()
	mesh := transport.NewMesh(worldSize)
	workers := make([]*fakeWorker, 0, worldSize-1)
	for r := 1; r < worldSize; r++ {
		w := newFakeWorker(mesh[r])
		workers = append(workers, w)
		go w.run()
	}
	cache := blockcache.New(capacityBytes, eviction.NewLRU())
	m := New(mesh[0], cache, nil, nil)
	return m, workers, mesh
}

func withTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func TestGetBlockLocalHitDoesNotTouchNetwork(t *testing.T) {
	m, _, _ := newTestManager(t, 2, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	stored := message.Create(16, message.StoreBlock, 0, 1, 1)
	require.NoError(t, m.StoreBlock(ctx, stored))

	msg, ok := m.GetBlock(1, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(1), msg.BlockID)
}

func TestGetBlockOrFetchMissFetchesFromOwner(t *testing.T) {
	m, workers, _ := newTestManager(t, 3, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	owner := transport.OwnerRank(5, 3)
	workers[owner-1].mu.Lock()
	workers[owner-1].data[message.Key(1, 5)] = message.Create(32, message.StoreBlock, 0, 1, 5)
	workers[owner-1].mu.Unlock()

	msg, err := m.GetBlockOrFetch(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), msg.BlockID)

	// Second call is a local hit; result is identical.
	msg2, err := m.GetBlockOrFetch(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, msg.BlockID, msg2.BlockID)
}

func TestGetBlockOrFetchMissReturnsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t, 3, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	_, err := m.GetBlockOrFetch(ctx, 1, 99)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestStoreBlockForwardsEvictedEntryToOwner(t *testing.T) {
	blockSize := message.HeaderSize + 100
	m, workers, _ := newTestManager(t, 3, uint64(blockSize))
	ctx, cancel := withTimeout(t)
	defer cancel()

	first := message.Create(100, message.StoreBlock, 0, 1, 1)
	require.NoError(t, m.StoreBlock(ctx, first))

	second := message.Create(100, message.StoreBlock, 0, 1, 2)
	require.NoError(t, m.StoreBlock(ctx, second))

	// Block 1 should have been evicted and forwarded to its owning worker.
	owner := transport.OwnerRank(1, 3)
	deadline := time.After(2 * time.Second)
	for {
		workers[owner-1].mu.Lock()
		_, ok := workers[owner-1].data[message.Key(1, 1)]
		workers[owner-1].mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("evicted block never arrived at owning worker")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_, stillLocal := m.GetBlock(1, 1)
	assert.False(t, stillLocal)
}

func TestStoreBlockReleasesEvictedVictimBuffer(t *testing.T) {
	blockSize := message.HeaderSize + 100
	m, _, _ := newTestManager(t, 3, uint64(blockSize))
	ctx, cancel := withTimeout(t)
	defer cancel()

	first := message.Create(100, message.StoreBlock, 0, 1, 1)
	require.NoError(t, m.StoreBlock(ctx, first))

	second := message.Create(100, message.StoreBlock, 0, 1, 2)
	require.NoError(t, m.StoreBlock(ctx, second))

	assert.Nil(t, first.Payload(), "evicted victim's buffer must be returned to the pool once forwarded")
}

func TestEraseBlockReleasesLocalBuffer(t *testing.T) {
	m, _, _ := newTestManager(t, 2, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	stored := message.Create(16, message.StoreBlock, 0, 1, 1)
	require.NoError(t, m.StoreBlock(ctx, stored))
	require.NoError(t, m.EraseBlock(ctx, 1, 1))

	assert.Nil(t, stored.Payload(), "erased buffer must be returned to the pool")
}

func TestEraseBlockSendsRemoteEraseWhenNotLocal(t *testing.T) {
	m, workers, _ := newTestManager(t, 2, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	owner := transport.OwnerRank(7, 2)
	workers[owner-1].mu.Lock()
	workers[owner-1].data[message.Key(1, 7)] = message.Create(8, message.StoreBlock, 0, 1, 7)
	workers[owner-1].mu.Unlock()

	require.NoError(t, m.EraseBlock(ctx, 1, 7))

	deadline := time.After(2 * time.Second)
	for {
		workers[owner-1].mu.Lock()
		_, ok := workers[owner-1].data[message.Key(1, 7)]
		workers[owner-1].mu.Unlock()
		if !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("remote erase never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPrefetchIsConsumedByNextGetBlockOrFetch(t *testing.T) {
	m, workers, _ := newTestManager(t, 3, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	owner := transport.OwnerRank(9, 3)
	workers[owner-1].mu.Lock()
	workers[owner-1].data[message.Key(1, 9)] = message.Create(16, message.StoreBlock, 0, 1, 9)
	workers[owner-1].mu.Unlock()

	require.NoError(t, m.Prefetch(ctx, 1, 9))
	require.NotNil(t, m.pending)

	msg, err := m.GetBlockOrFetch(ctx, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), msg.BlockID)
	assert.Nil(t, m.pending)
}

func TestGetBlockOrFetchReconcilesOutstandingPrefetchForDifferentKey(t *testing.T) {
	m, workers, _ := newTestManager(t, 2, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	// A single worker (world size 2) owns every block, so a prefetch of
	// block 9 and a foreground fetch of block 10 race on the exact same
	// (owner, AnyTag) receive filter.
	owner := transport.OwnerRank(9, 2)
	workers[owner-1].mu.Lock()
	workers[owner-1].data[message.Key(1, 9)] = message.Create(16, message.StoreBlock, 0, 1, 9)
	workers[owner-1].data[message.Key(1, 10)] = message.Create(16, message.StoreBlock, 0, 1, 10)
	workers[owner-1].mu.Unlock()

	require.NoError(t, m.Prefetch(ctx, 1, 9))
	require.NotNil(t, m.pending)

	msg, err := m.GetBlockOrFetch(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), msg.BlockID, "fetch for block 10 must not receive block 9's prefetch reply")
	assert.Nil(t, m.pending, "outstanding prefetch must be reconciled before an unrelated fetch proceeds")

	// The reconciled prefetch for block 9 must also have landed correctly.
	msg9, ok := m.GetBlock(1, 9)
	require.True(t, ok)
	assert.Equal(t, uint32(9), msg9.BlockID)
}

func TestFinalizeBroadcastsFinishToAllWorkers(t *testing.T) {
	m, workers, _ := newTestManager(t, 3, 4096)
	ctx, cancel := withTimeout(t)
	defer cancel()

	require.NoError(t, m.Finalize(ctx))
	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not observe FINISH")
		}
	}
}
