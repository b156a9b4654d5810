// Package worker implements the worker-side event loop: a passive store
// that answers STORE_BLOCK/GET_BLOCK/ERASE_BLOCK from the manager and exits
// on FINISH. Workers never evict and never initiate a request of their own.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marmos91/blockcache/internal/logger"
	"github.com/marmos91/blockcache/pkg/message"
	"github.com/marmos91/blockcache/pkg/transport"
)

// Worker holds every block this rank has been asked to store, in an
// unbounded map — workers are the overflow tier for whatever the manager's
// bounded cache evicts, so they carry no capacity limit of their own.
type Worker struct {
	transport transport.Transport
	data      map[uint64]*message.Message
	log       *slog.Logger
}

// New constructs a Worker bound to t. t.Rank() must be >= 1.
func New(t transport.Transport, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		transport: t,
		data:      make(map[uint64]*message.Message),
		log:       log,
	}
}

// Run drives the event loop until a FINISH is received, the transport
// closes, or ctx is cancelled. It returns nil on a clean FINISH shutdown.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.transport.Recv(ctx, transport.AnyRank, transport.AnyTag)
		if err != nil {
			return fmt.Errorf("worker: receiving next frame: %w", err)
		}
		lc := logger.NewLogContext(w.transport.Rank()).WithBlock(msg.StructureID, msg.BlockID).WithSource(msg.SourceRank)
		logCtx := logger.WithContext(ctx, lc)

		switch msg.Tag {
		case message.StoreBlock:
			w.handleStore(msg)
			logger.DebugCtx(logCtx, "stored block")
		case message.GetBlock:
			if err := w.handleGet(ctx, msg); err != nil {
				return err
			}
		case message.EraseBlock:
			w.handleErase(msg)
			logger.DebugCtx(logCtx, "erased block")
		case message.Finish:
			w.log.InfoContext(ctx, "worker received FINISH, shutting down")
			return nil
		default:
			return fmt.Errorf("worker: unexpected tag %s from rank %d", msg.Tag, msg.SourceRank)
		}
	}
}

func (w *Worker) handleStore(msg *message.Message) {
	key := msg.Key()
	if old, ok := w.data[key]; ok {
		old.Release()
	}
	w.data[key] = message.CloneIfBorrowed(msg)
}

func (w *Worker) handleGet(ctx context.Context, msg *message.Message) error {
	stored, ok := w.data[msg.Key()]
	var reply *message.Message
	if ok {
		reply = message.Clone(stored)
		reply.Tag = message.StoreBlock
	} else {
		// Binding decision: a GET_BLOCK miss gets an explicit BLOCK_NOT_FOUND
		// reply rather than a silently dropped request, so the manager never
		// blocks forever on a key nobody holds.
		reply = message.Create(0, message.BlockNotFound, 0, msg.StructureID, msg.BlockID)
		lc := logger.NewLogContext(w.transport.Rank()).WithBlock(msg.StructureID, msg.BlockID).WithSource(msg.SourceRank)
		logger.WarnCtx(logger.WithContext(ctx, lc), "GET_BLOCK miss, replying BLOCK_NOT_FOUND")
	}
	reply.SourceRank = uint32(w.transport.Rank())
	if err := w.transport.Send(ctx, reply, int(msg.SourceRank)); err != nil {
		return fmt.Errorf("worker: replying to GET_BLOCK for key %#x: %w", msg.Key(), err)
	}
	return nil
}

func (w *Worker) handleErase(msg *message.Message) {
	key := msg.Key()
	if old, ok := w.data[key]; ok {
		old.Release()
		delete(w.data, key)
	}
}

// Len reports how many blocks this worker currently holds, for tests and
// diagnostics.
func (w *Worker) Len() int { return len(w.data) }
