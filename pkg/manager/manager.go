// Package manager implements the manager-side cache manager: the single
// participant (rank 0) that fronts the distributed block store with a
// bounded local cache, fetching from and forwarding evictions to the
// worker ranks that hold everything that doesn't fit locally.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marmos91/blockcache/internal/logger"
	"github.com/marmos91/blockcache/pkg/blockcache"
	"github.com/marmos91/blockcache/pkg/message"
	"github.com/marmos91/blockcache/pkg/transport"
)

// ErrBlockNotFound is returned by GetBlockOrFetch when the owning worker has
// no copy of the requested block either — neither the manager nor the
// worker that should hold it knows about the key.
var ErrBlockNotFound = errors.New("manager: block not found")

// Recorder receives cache-event counts for metrics export. Implementations
// must be safe for concurrent use. A nil Recorder is valid; Manager calls
// are nil-checked.
type Recorder interface {
	Hit()
	Miss()
	Eviction()
	BytesResident(n uint64)
}

// pendingFetch is the manager's one-slot prefetch state: at most one
// speculative GET_BLOCK may be outstanding at a time, matching the
// sequence container's access pattern of one in-flight lookahead.
type pendingFetch struct {
	key       uint64
	requestID string
	rcv       transport.PendingRecv
}

// Manager is the cache manager driving rank 0. It is not safe for
// concurrent use by design — the run's single-threaded event-loop model
// means exactly one of these methods is ever in flight at a time.
type Manager struct {
	rank      uint32
	worldSize int
	transport transport.Transport
	cache     *blockcache.Cache
	pending   *pendingFetch
	log       *slog.Logger
	rec       Recorder
}

// New constructs a Manager. transport.Rank() must be 0.
func New(t transport.Transport, cache *blockcache.Cache, log *slog.Logger, rec Recorder) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		rank:      uint32(t.Rank()),
		worldSize: t.WorldSize(),
		transport: t,
		cache:     cache,
		log:       log,
		rec:       rec,
	}
}

func (m *Manager) ownerOf(blockID uint32) int {
	return transport.OwnerRank(blockID, m.worldSize)
}

func (m *Manager) record(fn func(Recorder)) {
	if m.rec != nil {
		fn(m.rec)
	}
}

// GetBlock returns the locally resident copy of (structureID, blockID), if
// any, without touching the network. O(1).
func (m *Manager) GetBlock(structureID, blockID uint32) (*message.Message, bool) {
	key := message.Key(structureID, blockID)
	msg, ok := m.cache.Lookup(key)
	if ok {
		m.record(Recorder.Hit)
	} else {
		m.record(Recorder.Miss)
	}
	return msg, ok
}

// GetBlockOrFetch returns the resident copy if present; otherwise it first
// checks for a completed prefetch matching this key, and failing that sends
// a blocking GET_BLOCK to the owning worker. The fetched block is admitted
// into the cache (possibly evicting other entries, each forwarded to its
// owner before this call returns).
func (m *Manager) GetBlockOrFetch(ctx context.Context, structureID, blockID uint32) (*message.Message, error) {
	key := message.Key(structureID, blockID)

	if msg, ok := m.cache.Lookup(key); ok {
		m.record(Recorder.Hit)
		return msg, nil
	}

	if m.pending != nil {
		if m.pending.key == key {
			pending := m.pending
			m.pending = nil
			reply, err := pending.rcv.Wait(ctx)
			if err != nil {
				return nil, fmt.Errorf("manager: waiting on prefetch for key %#x: %w", key, err)
			}
			lc := logger.NewLogContext(int(m.rank)).WithBlock(structureID, blockID).WithTrace(pending.requestID, "")
			logger.DebugCtx(logger.WithContext(ctx, lc), "prefetch satisfied request")
			return m.admitReply(ctx, reply)
		}
		// A different block is wanted while a prefetch for another key is
		// still outstanding. The fabric's non-blocking receive filters only
		// on (source rank, tag) — never on the block key — so issuing this
		// fetch's own Recv against the same owner while the prefetch's
		// RecvNonblockingBegin goroutine is still draining that owner's
		// inbox would let the two concurrent receivers swap replies. Drain
		// the outstanding prefetch first so at most one receiver is ever
		// outstanding per owner.
		if err := m.reconcilePending(ctx); err != nil {
			return nil, err
		}
	}

	m.record(Recorder.Miss)
	owner := m.ownerOf(blockID)
	requestID := message.NewRequestID()
	lc := logger.NewLogContext(int(m.rank)).WithBlock(structureID, blockID).WithTrace(requestID, "")
	fetchCtx := logger.WithContext(ctx, lc)

	req := message.Create(0, message.GetBlock, m.rank, structureID, blockID)
	if err := m.transport.Send(ctx, req, owner); err != nil {
		return nil, fmt.Errorf("manager: sending GET_BLOCK for key %#x to rank %d: %w", key, owner, err)
	}
	logger.DebugCtx(fetchCtx, "sent GET_BLOCK", "peer_rank", owner)
	reply, err := m.transport.Recv(ctx, owner, transport.AnyTag)
	if err != nil {
		return nil, fmt.Errorf("manager: receiving reply for key %#x from rank %d: %w", key, owner, err)
	}
	logger.DebugCtx(fetchCtx, "received reply", "tag", reply.Tag.String())
	return m.admitReply(ctx, reply)
}

// reconcilePending waits for and admits the manager's one outstanding
// prefetch, if any, discarding it into the cache rather than returning it to
// a specific caller. Must be called before any other receive is issued
// against the same owner rank, since the transport cannot distinguish two
// concurrent receivers from the same source.
func (m *Manager) reconcilePending(ctx context.Context) error {
	if m.pending == nil {
		return nil
	}
	pending := m.pending
	m.pending = nil
	reply, err := pending.rcv.Wait(ctx)
	if err != nil {
		return fmt.Errorf("manager: reconciling outstanding prefetch for key %#x: %w", pending.key, err)
	}
	sid, bid := message.SplitKey(pending.key)
	lc := logger.NewLogContext(int(m.rank)).WithBlock(sid, bid).WithTrace(pending.requestID, "")
	logCtx := logger.WithContext(ctx, lc)
	if reply.Tag == message.BlockNotFound {
		logger.DebugCtx(logCtx, "prefetch reconciled before unrelated fetch: block not found")
		reply.Release()
		return nil
	}
	logger.DebugCtx(logCtx, "prefetch reconciled before unrelated fetch")
	if err := m.StoreBlock(ctx, message.CloneIfBorrowed(reply)); err != nil {
		return fmt.Errorf("manager: admitting reconciled prefetch for key %#x: %w", pending.key, err)
	}
	return nil
}

func (m *Manager) admitReply(ctx context.Context, reply *message.Message) (*message.Message, error) {
	if reply.Tag == message.BlockNotFound {
		reply.Release()
		return nil, ErrBlockNotFound
	}
	owned := message.CloneIfBorrowed(reply)
	if err := m.StoreBlock(ctx, owned); err != nil {
		return nil, err
	}
	return owned, nil
}

// StoreBlock admits msg into the local cache, forwarding any evicted
// entries to their owning workers before returning, per the admission
// correctness requirement: eviction victims must be durably forwarded
// before the new entry is considered admitted.
func (m *Manager) StoreBlock(ctx context.Context, msg *message.Message) error {
	evicted, err := m.cache.Store(msg)
	if err != nil {
		return fmt.Errorf("manager: storing key %#x: %w", msg.Key(), err)
	}
	for _, victim := range evicted {
		m.record(Recorder.Eviction)
		owner := m.ownerOf(victim.BlockID)
		forward := message.Clone(victim)
		forward.Tag = message.StoreBlock
		forward.SourceRank = m.rank
		if err := m.transport.Send(ctx, forward, owner); err != nil {
			return fmt.Errorf("manager: forwarding evicted key %#x to rank %d: %w", victim.Key(), owner, err)
		}
		lc := logger.NewLogContext(int(m.rank)).WithBlock(victim.StructureID, victim.BlockID)
		logger.DebugCtx(logger.WithContext(ctx, lc), "evicted block forwarded to owner", "peer_rank", owner)
		// forward is an independent clone already handed to the transport;
		// victim itself is now unreferenced anywhere in this process.
		victim.Release()
	}
	m.record(func(r Recorder) { r.BytesResident(m.cache.CurrentBytes()) })
	return nil
}

// EraseBlock drops the local copy of (structureID, blockID) if resident;
// otherwise the canonical copy lives on the owning worker, so it is asked
// to erase it there instead.
func (m *Manager) EraseBlock(ctx context.Context, structureID, blockID uint32) error {
	key := message.Key(structureID, blockID)
	if msg, ok := m.cache.Erase(key); ok {
		msg.Release()
		return nil
	}
	owner := m.ownerOf(blockID)
	req := message.Create(0, message.EraseBlock, m.rank, structureID, blockID)
	if err := m.transport.Send(ctx, req, owner); err != nil {
		return fmt.Errorf("manager: sending ERASE_BLOCK for key %#x to rank %d: %w", key, owner, err)
	}
	return nil
}

// Prefetch fires a non-blocking speculative GET_BLOCK for (structureID,
// blockID), to be picked up by a later matching GetBlockOrFetch. A no-op if
// a prefetch is already outstanding — only one may be in flight at a time.
func (m *Manager) Prefetch(ctx context.Context, structureID, blockID uint32) error {
	if m.pending != nil {
		return nil
	}
	key := message.Key(structureID, blockID)
	if _, ok := m.cache.Lookup(key); ok {
		return nil
	}
	owner := m.ownerOf(blockID)
	requestID := message.NewRequestID()
	req := message.Create(0, message.GetBlock, m.rank, structureID, blockID)
	if err := m.transport.Send(ctx, req, owner); err != nil {
		return fmt.Errorf("manager: sending prefetch GET_BLOCK for key %#x to rank %d: %w", key, owner, err)
	}
	lc := logger.NewLogContext(int(m.rank)).WithBlock(structureID, blockID).WithTrace(requestID, "")
	logger.DebugCtx(logger.WithContext(ctx, lc), "issued speculative prefetch", "peer_rank", owner)
	m.pending = &pendingFetch{
		key:       key,
		requestID: requestID,
		rcv:       m.transport.RecvNonblockingBegin(owner, transport.AnyTag),
	}
	return nil
}

// Finalize broadcasts FINISH to every worker rank, telling each to exit its
// event loop. Called once, at the end of a run.
func (m *Manager) Finalize(ctx context.Context) error {
	for rank := 1; rank < m.worldSize; rank++ {
		msg := message.Create(0, message.Finish, m.rank, 0, 0)
		if err := m.transport.Send(ctx, msg, rank); err != nil {
			return fmt.Errorf("manager: broadcasting FINISH to rank %d: %w", rank, err)
		}
	}
	m.log.Info("broadcast FINISH to all workers", "world_size", m.worldSize)
	return nil
}

// Stats is a point-in-time snapshot of the manager's local cache state, for
// Prometheus export and diagnostics.
type Stats struct {
	Entries       int
	CurrentBytes  uint64
	CapacityBytes uint64
}

// Stats returns a snapshot of the current cache occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		Entries:       m.cache.Len(),
		CurrentBytes:  m.cache.CurrentBytes(),
		CapacityBytes: m.cache.CapacityBytes(),
	}
}
