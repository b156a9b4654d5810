// Package sequence implements the block-addressed indexed container: a
// random-access sequence of fixed-size elements whose storage is split into
// power-of-two byte blocks, each one a single cache key owned by the
// manager. Every read or write of an element goes through the manager's
// GetBlockOrFetch/StoreBlock contract rather than touching memory directly.
package sequence

import (
	"context"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/marmos91/blockcache/pkg/message"
)

// BlockManager is the subset of the manager's contract a Sequence drives.
// pkg/manager.Manager satisfies this.
type BlockManager interface {
	GetBlock(structureID, blockID uint32) (*message.Message, bool)
	GetBlockOrFetch(ctx context.Context, structureID, blockID uint32) (*message.Message, error)
	StoreBlock(ctx context.Context, msg *message.Message) error
	Prefetch(ctx context.Context, structureID, blockID uint32) error
}

// Strategy selects the speculative prefetch direction a Sequence issues
// while scanning. It is an optimization only: results of At must be
// identical regardless of Strategy.
type Strategy int

const (
	NoPrefetch Strategy = iota
	Forward
	Backward
)

func nextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << uint(32-bits.LeadingZeros32(n-1))
}

// Sequence is a generic, block-addressed indexed container over element
// type T. Block size B, prefetch distance D, and prefetch strategy S are
// runtime constructor parameters rather than type parameters — Go's
// generics don't offer the compile-time template specialization the source
// container used to pick a layout per (T, B), so B lives as a field instead.
//
// T must be a fixed-size value type containing no pointers, strings,
// slices, maps, or interfaces: elements are copied as raw bytes into block
// storage (see readElem/writeElem), and a pointer copied that way is
// invisible to the garbage collector. Numeric types and structs composed
// only of numeric types and arrays of them are safe; anything with a
// header-and-backing-store representation is not.
type Sequence[T any] struct {
	mgr         BlockManager
	structureID uint32

	elemSize uint32
	blockSize uint32 // B, power of two
	shift    uint32  // log2(blockSize)
	mask     uint32  // blockSize - 1
	epb      uint32  // elements per block

	distance int
	strategy Strategy

	length int
}

// New constructs an empty Sequence. blockSize is rounded up to the next
// power of two if it isn't one already; it must be at least sizeof(T).
func New[T any](mgr BlockManager, structureID uint32, blockSize uint32, distance int, strategy Strategy) (*Sequence[T], error) {
	var zero T
	elemSize := uint32(unsafe.Sizeof(zero))
	if elemSize == 0 {
		return nil, fmt.Errorf("sequence: zero-sized element type")
	}
	blockSize = nextPow2(blockSize)
	if blockSize < elemSize {
		return nil, fmt.Errorf("sequence: block size %d smaller than element size %d", blockSize, elemSize)
	}
	return &Sequence[T]{
		mgr:         mgr,
		structureID: structureID,
		elemSize:    elemSize,
		blockSize:   blockSize,
		shift:       uint32(bits.TrailingZeros32(blockSize)),
		mask:        blockSize - 1,
		epb:         blockSize / elemSize,
		distance:    distance,
		strategy:    strategy,
	}, nil
}

// Len returns the current element count.
func (s *Sequence[T]) Len() int { return s.length }

// decompose maps a zero-based element index to (blockID, in-block byte
// offset), per the fixed shift/mask scheme: o = i*sizeof(T); blockID =
// o >> shift; inBlock = o & mask.
func (s *Sequence[T]) decompose(i int) (blockID, inBlock uint32) {
	o := uint32(i) * s.elemSize
	return o >> s.shift, o & s.mask
}

func (s *Sequence[T]) checkIndex(i int) error {
	if i < 0 || i >= s.length {
		return fmt.Errorf("sequence: index %d out of range [0, %d)", i, s.length)
	}
	return nil
}

// fetchBlock returns the live payload bytes for blockID. It always
// re-validates residency through the manager's local lookup first — a block
// fetched on a previous call may since have been evicted (and its buffer
// returned to the pool) by an unrelated Sequence sharing the same manager,
// so the payload slice itself is never cached here past a single call.
func (s *Sequence[T]) fetchBlock(ctx context.Context, blockID uint32) ([]byte, error) {
	if msg, ok := s.mgr.GetBlock(s.structureID, blockID); ok {
		return msg.Payload(), nil
	}
	msg, err := s.mgr.GetBlockOrFetch(ctx, s.structureID, blockID)
	if err != nil {
		return nil, err
	}
	return msg.Payload(), nil
}

func readElem[T any](block []byte, offset uint32) T {
	var v T
	n := unsafe.Sizeof(v)
	src := unsafe.Slice((*byte)(unsafe.Pointer(&v)), n)
	copy(src, block[offset:uint32(n)+offset])
	return v
}

func writeElem[T any](block []byte, offset uint32, v T) {
	n := unsafe.Sizeof(v)
	src := unsafe.Slice((*byte)(unsafe.Pointer(&v)), n)
	copy(block[offset:uint32(n)+offset], src)
}

// At reads the element at index i, fetching its owning block through the
// manager if it isn't already resident locally.
func (s *Sequence[T]) At(ctx context.Context, i int) (T, error) {
	var zero T
	if err := s.checkIndex(i); err != nil {
		return zero, err
	}
	blockID, inBlock := s.decompose(i)
	block, err := s.fetchBlock(ctx, blockID)
	if err != nil {
		return zero, err
	}
	v := readElem[T](block, inBlock)
	s.maybePrefetch(ctx, blockID, inBlock)
	return v, nil
}

// Set overwrites the element at index i and hands the modified block back
// to the manager as a STORE_BLOCK re-admission.
func (s *Sequence[T]) Set(ctx context.Context, i int, v T) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	blockID, inBlock := s.decompose(i)
	msg, err := s.mgr.GetBlockOrFetch(ctx, s.structureID, blockID)
	if err != nil {
		return err
	}
	writeElem(msg.Payload(), inBlock, v)
	if err := s.mgr.StoreBlock(ctx, msg); err != nil {
		return err
	}
	return nil
}

// PushBack appends v, allocating a fresh zero-filled block when the new
// element starts one.
func (s *Sequence[T]) PushBack(ctx context.Context, v T) error {
	i := s.length
	blockID, inBlock := s.decompose(i)

	var msg *message.Message
	if inBlock == 0 {
		msg = message.Create(int(s.blockSize), message.StoreBlock, 0, s.structureID, blockID)
	} else {
		fetched, err := s.mgr.GetBlockOrFetch(ctx, s.structureID, blockID)
		if err != nil {
			return err
		}
		msg = fetched
	}
	writeElem(msg.Payload(), inBlock, v)
	if err := s.mgr.StoreBlock(ctx, msg); err != nil {
		return err
	}
	s.length++
	return nil
}

// Insert places v at index i, shifting everything from i onward one slot
// to the right. Grow-first-then-shift: the container extends its length
// before performing any shift, so every shift step has a stable
// predecessor to read regardless of what eviction does to intervening
// blocks.
func (s *Sequence[T]) Insert(ctx context.Context, i int, v T) error {
	if i == s.length {
		return s.PushBack(ctx, v)
	}
	if i < 0 || i > s.length {
		return fmt.Errorf("sequence: insert index %d out of range [0, %d]", i, s.length)
	}

	last, err := s.At(ctx, s.length-1)
	if err != nil {
		return err
	}
	if err := s.PushBack(ctx, last); err != nil {
		return err
	}

	for j := s.length - 2; j > i; j-- {
		prev, err := s.At(ctx, j-1)
		if err != nil {
			return err
		}
		if err := s.Set(ctx, j, prev); err != nil {
			return err
		}
	}
	return s.Set(ctx, i, v)
}

// Erase removes the element at index i with a single left-shift pass —
// unlike double-shifting the trailing slot, this touches each surviving
// element exactly once.
func (s *Sequence[T]) Erase(ctx context.Context, i int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	for j := i; j <= s.length-2; j++ {
		next, err := s.At(ctx, j+1)
		if err != nil {
			return err
		}
		if err := s.Set(ctx, j, next); err != nil {
			return err
		}
	}
	s.length--
	return nil
}

// Swap exchanges the elements at i and j via three At/Set round-trips.
func (s *Sequence[T]) Swap(ctx context.Context, i, j int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if err := s.checkIndex(j); err != nil {
		return err
	}
	if i == j {
		return nil
	}
	a, err := s.At(ctx, i)
	if err != nil {
		return err
	}
	b, err := s.At(ctx, j)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, i, b); err != nil {
		return err
	}
	return s.Set(ctx, j, a)
}

// Clear erases every element, one at a time, from the tail — this is
// "repeated erase until empty" without the wasted O(n) shifts an
// always-erase-index-0 loop would do.
func (s *Sequence[T]) Clear(ctx context.Context) error {
	for s.length > 0 {
		if err := s.Erase(ctx, s.length-1); err != nil {
			return err
		}
	}
	return nil
}

// Sort performs an iterative (bottom-up) merge sort over [0, Len()),
// merging adjacent runs in place by shifting elements rather than
// allocating a scratch buffer. This is O(n^2) in the worst case, same as
// the block-addressed source it's modeled on, but keeps every touched
// element within one or two resident blocks at a time.
func (s *Sequence[T]) Sort(ctx context.Context, less func(a, b T) bool) error {
	n := s.length
	for width := 1; width < n; width *= 2 {
		for lo := 0; lo < n; lo += 2 * width {
			mid := min(lo+width, n)
			hi := min(lo+2*width, n)
			if err := s.mergeInPlace(ctx, lo, mid, hi, less); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeInPlace merges the two sorted runs [lo, mid) and [mid, hi) without
// auxiliary storage: whenever the next right-run element sorts before the
// current left-run element, it is pulled forward by shifting the
// intervening elements right one slot.
func (s *Sequence[T]) mergeInPlace(ctx context.Context, lo, mid, hi int, less func(a, b T) bool) error {
	i, j := lo, mid
	for i < j && j < hi {
		left, err := s.At(ctx, i)
		if err != nil {
			return err
		}
		right, err := s.At(ctx, j)
		if err != nil {
			return err
		}
		if !less(right, left) {
			i++
			continue
		}
		for k := j; k > i; k-- {
			prev, err := s.At(ctx, k-1)
			if err != nil {
				return err
			}
			if err := s.Set(ctx, k, prev); err != nil {
				return err
			}
		}
		if err := s.Set(ctx, i, right); err != nil {
			return err
		}
		i++
		j++
	}
	return nil
}

// maybePrefetch issues a speculative fetch of the adjacent block when the
// current read is within s.distance elements of a block boundary, in the
// configured direction. Errors are swallowed: prefetch is an optimization,
// never a correctness dependency.
func (s *Sequence[T]) maybePrefetch(ctx context.Context, blockID, inBlock uint32) {
	if s.strategy == NoPrefetch || s.distance <= 0 {
		return
	}
	elemInBlock := inBlock / s.elemSize
	switch s.strategy {
	case Forward:
		remaining := s.epb - 1 - elemInBlock
		nextBlock := blockID + 1
		if remaining < uint32(s.distance) && int(nextBlock)*int(s.epb) < s.length {
			_ = s.mgr.Prefetch(ctx, s.structureID, nextBlock)
		}
	case Backward:
		if elemInBlock < uint32(s.distance) && blockID > 0 {
			_ = s.mgr.Prefetch(ctx, s.structureID, blockID-1)
		}
	}
}
