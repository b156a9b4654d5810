// Package transport defines the reliable, point-to-point messaging contract
// the rest of this module assumes, and provides two concrete
// implementations: an in-process mailbox fabric for tests and single-process
// demos, and a TCP fabric for running the manager and workers as separate
// processes.
//
// Any transport failure is fatal for the run; implementations must not
// attempt retries or silently drop frames.
package transport

import (
	"context"

	"github.com/marmos91/blockcache/pkg/message"
)

// AnyRank/AnyTag match any source rank / message tag in Recv.
const (
	AnyRank = -1
)

// AnyTag matches any tag in Recv.
var AnyTag = message.Invalid // sentinel; Recv treats this as "don't filter by tag"

// PendingRecv is a handle returned by RecvNonblockingBegin; call its Wait
// method to block until the matching frame arrives.
type PendingRecv interface {
	// Wait blocks until the frame this handle was started for arrives.
	Wait(ctx context.Context) (*message.Message, error)
}

// Transport is the reliable messaging primitive every manager/worker is
// built on. Ordering per (src, dest, tag) triple is preserved: once a frame
// for that triple is sent, any later-sent frame for the same triple is
// observed after it by the receiver.
type Transport interface {
	// Send delivers msg to destRank. Blocks only as long as needed to hand
	// the frame to the transport; does not wait for the peer to consume it.
	Send(ctx context.Context, msg *message.Message, destRank int) error

	// Recv blocks until a frame matching (srcRank, tag) arrives for this
	// rank. Use AnyRank / AnyTag to avoid filtering that dimension.
	Recv(ctx context.Context, srcRank int, tag message.Tag) (*message.Message, error)

	// RecvNonblockingBegin starts waiting for a matching frame without
	// blocking the caller; pair with PendingRecv.Wait to pick up the result.
	// Used by the prefetcher to overlap transport with compute.
	RecvNonblockingBegin(srcRank int, tag message.Tag) PendingRecv

	// Rank returns this participant's own rank.
	Rank() int

	// WorldSize returns the total participant count (manager + workers).
	WorldSize() int

	// Close releases any resources (connections, goroutines) held by this transport.
	Close() error
}

// OwnerRank computes the worker rank that owns blockID:
// owner_rank = 1 + (block_id mod (W-1)). Panics if worldSize < 2, since a
// single-participant run has no workers to own anything.
func OwnerRank(blockID uint32, worldSize int) int {
	if worldSize < 2 {
		panic("transport: OwnerRank requires at least one worker (worldSize >= 2)")
	}
	return 1 + int(blockID)%(worldSize-1)
}
