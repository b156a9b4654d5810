package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/marmos91/blockcache/pkg/message"
)

// ErrClosed is returned by Recv/Wait once a Fabric's inbox has been closed.
var ErrClosed = errors.New("transport: fabric closed")

// inbox is a FIFO-per-sender mailbox with selective receive: Recv may match
// on (srcRank, tag), and non-matching frames stay queued in arrival order
// for a later Recv call with a looser filter — the same "unexpected queue"
// pattern message-passing runtimes use for MPI_ANY_SOURCE/MPI_ANY_TAG.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*message.Message
	closed bool
}

func newInbox() *inbox {
	ib := &inbox{}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func matchesFilter(m *message.Message, srcRank int, tag message.Tag) bool {
	if srcRank != AnyRank && int(m.SourceRank) != srcRank {
		return false
	}
	if tag != AnyTag && m.Tag != tag {
		return false
	}
	return true
}

func (ib *inbox) push(m *message.Message) {
	ib.mu.Lock()
	ib.queue = append(ib.queue, m)
	ib.cond.Broadcast()
	ib.mu.Unlock()
}

func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	ib.cond.Broadcast()
	ib.mu.Unlock()
}

func (ib *inbox) take(ctx context.Context, srcRank int, tag message.Tag) (*message.Message, error) {
	// Wake the waiter if the context is cancelled while blocked in cond.Wait.
	wake := make(chan struct{})
	defer close(wake)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				ib.mu.Lock()
				ib.cond.Broadcast()
				ib.mu.Unlock()
			case <-wake:
			}
		}()
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		for i, m := range ib.queue {
			if matchesFilter(m, srcRank, tag) {
				ib.queue = append(ib.queue[:i:i], ib.queue[i+1:]...)
				return m, nil
			}
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if ib.closed {
			return nil, ErrClosed
		}
		ib.cond.Wait()
	}
}

// Fabric is an in-process Transport built on buffered inboxes, one per rank.
// All Fabric values returned by NewMesh for the same mesh share the same
// inboxes, so sends from one become receivable on another without copying
// across a network boundary. Ordering per (src, dest, tag) holds because
// each destination's inbox preserves arrival order.
type Fabric struct {
	rank    int
	world   int
	inboxes []*inbox
}

// NewMesh builds worldSize Fabric transports, one per rank, all wired to the
// same set of inboxes. Rank 0 is conventionally the manager.
func NewMesh(worldSize int) []*Fabric {
	if worldSize < 1 {
		panic("transport: worldSize must be >= 1")
	}
	inboxes := make([]*inbox, worldSize)
	for i := range inboxes {
		inboxes[i] = newInbox()
	}
	fabrics := make([]*Fabric, worldSize)
	for r := range fabrics {
		fabrics[r] = &Fabric{rank: r, world: worldSize, inboxes: inboxes}
	}
	return fabrics
}

func (f *Fabric) Rank() int      { return f.rank }
func (f *Fabric) WorldSize() int { return f.world }

func (f *Fabric) Send(_ context.Context, msg *message.Message, destRank int) error {
	if destRank < 0 || destRank >= f.world {
		return errors.New("transport: destination rank out of range")
	}
	msg.SourceRank = uint32(f.rank)
	f.inboxes[destRank].push(msg)
	return nil
}

func (f *Fabric) Recv(ctx context.Context, srcRank int, tag message.Tag) (*message.Message, error) {
	return f.inboxes[f.rank].take(ctx, srcRank, tag)
}

type fabricPending struct {
	result chan pendingResult
}

type pendingResult struct {
	msg *message.Message
	err error
}

func (p *fabricPending) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case r := <-p.result:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fabric) RecvNonblockingBegin(srcRank int, tag message.Tag) PendingRecv {
	p := &fabricPending{result: make(chan pendingResult, 1)}
	go func() {
		msg, err := f.inboxes[f.rank].take(context.Background(), srcRank, tag)
		p.result <- pendingResult{msg, err}
	}()
	return p
}

// Close marks this rank's inbox closed, unblocking any pending Recv/Wait
// calls with ErrClosed. Closing is idempotent.
func (f *Fabric) Close() error {
	f.inboxes[f.rank].close()
	return nil
}
