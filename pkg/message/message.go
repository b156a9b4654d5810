// Package message implements the wire frame exchanged between the manager
// and worker ranks: a fixed 20-byte header followed by a variable-size
// payload, written out as a single contiguous buffer by Encode.
//
// A Message is passed around by pointer. Its header fields are plain struct
// fields and its payload is a separate buffer, either drawn from pkg/bufpool
// (Create, Clone) or borrowed without a copy from the caller (Wrap, Decode).
// Use Clone for a true independent copy.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/marmos91/blockcache/pkg/bufpool"
)

// HeaderSize is the fixed, little-endian wire header preceding every payload.
const HeaderSize = 20

// Tag identifies the purpose of a Message.
type Tag uint8

const (
	// Invalid is the zero value; never sent.
	Invalid Tag = iota
	// StoreBlock carries a block's data from sender to the rank that should hold it.
	StoreBlock
	// GetBlock requests a block from the rank that owns it.
	GetBlock
	// EraseBlock asks the owning rank to drop a block.
	EraseBlock
	// BlockNotFound replies to a GetBlock whose key is absent on the owning rank.
	BlockNotFound
	// Finish tells a worker to stop serving and exit its loop.
	Finish
)

func (t Tag) String() string {
	switch t {
	case StoreBlock:
		return "STORE_BLOCK"
	case GetBlock:
		return "GET_BLOCK"
	case EraseBlock:
		return "ERASE_BLOCK"
	case BlockNotFound:
		return "BLOCK_NOT_FOUND"
	case Finish:
		return "FINISH"
	default:
		return "INVALID"
	}
}

// Message is a self-describing frame: header fields plus a payload that,
// for an Owned message, is backed by a buffer drawn from pkg/bufpool, and
// for a Borrowed message, aliases a buffer supplied by the caller.
//
// The zero value is not usable; construct with Create, Wrap, or Clone.
type Message struct {
	Tag          Tag
	SourceRank   uint32
	StructureID  uint32
	BlockID      uint32
	payload      []byte
	ownsBuffer   bool
	releaseOnPut bool // true iff payload came from bufpool and should be returned there
}

// Key packs (StructureID, BlockID) into the 64-bit composite cache key.
func (m *Message) Key() uint64 {
	return Key(m.StructureID, m.BlockID)
}

// Key packs a (structureID, blockID) pair into the 64-bit composite cache key
// used throughout pkg/blockcache, pkg/eviction, and pkg/manager.
func Key(structureID, blockID uint32) uint64 {
	return uint64(structureID)<<32 | uint64(blockID)
}

// SplitKey is the inverse of Key, used by workers that only see the packed form.
func SplitKey(key uint64) (structureID, blockID uint32) {
	return uint32(key >> 32), uint32(key)
}

// NewRequestID mints a correlation ID for a single GET_BLOCK round trip or
// prefetch. It never travels on the wire — the 20-byte header has no room
// for it — it exists purely so a manager's log lines for the request and its
// eventual reply can be tied together.
func NewRequestID() string {
	return uuid.NewString()
}

// Payload returns the payload bytes. The returned slice must not be retained
// past the next call that might release or overwrite this Message's buffer.
func (m *Message) Payload() []byte { return m.payload }

// PayloadSize returns the number of payload bytes (header size excluded).
func (m *Message) PayloadSize() int { return len(m.payload) }

// Size returns the full wire size of this Message (header + payload).
func (m *Message) Size() int { return HeaderSize + len(m.payload) }

// OwnsBuffer reports whether this Message owns (vs. borrows) its backing buffer.
func (m *Message) OwnsBuffer() bool { return m.ownsBuffer }

// Create allocates a new Owned Message with a zero-filled payload of
// payloadSize bytes, drawn from the shared buffer pool.
func Create(payloadSize int, tag Tag, sourceRank, structureID, blockID uint32) *Message {
	buf := bufpool.Get(payloadSize)
	for i := range buf {
		buf[i] = 0
	}
	return &Message{
		Tag:          tag,
		SourceRank:   sourceRank,
		StructureID:  structureID,
		BlockID:      blockID,
		payload:      buf,
		ownsBuffer:   true,
		releaseOnPut: true,
	}
}

// Wrap type-puns an externally owned buffer (e.g. a worker's reusable receive
// buffer) into a Borrowed Message: no allocation, no copy. The caller's
// buffer must outlive the returned Message — if it may be reused or mutated
// before the Message is done being read, call Clone first.
func Wrap(buf []byte, tag Tag, sourceRank, structureID, blockID uint32) *Message {
	return &Message{
		Tag:         tag,
		SourceRank:  sourceRank,
		StructureID: structureID,
		BlockID:     blockID,
		payload:     buf,
		ownsBuffer:  false,
	}
}

// Clone deep-copies src into a new, always-Owned Message.
func Clone(src *Message) *Message {
	buf := bufpool.Get(len(src.payload))
	copy(buf, src.payload)
	return &Message{
		Tag:          src.Tag,
		SourceRank:   src.SourceRank,
		StructureID:  src.StructureID,
		BlockID:      src.BlockID,
		payload:      buf,
		ownsBuffer:   true,
		releaseOnPut: true,
	}
}

// CloneIfBorrowed returns m unchanged if it already owns its buffer,
// otherwise returns a deep copy. This is what a worker calls before
// retaining a just-received STORE_BLOCK message past the next Recv.
func CloneIfBorrowed(m *Message) *Message {
	if m.ownsBuffer {
		return m
	}
	return Clone(m)
}

// Release returns this Message's payload buffer to the shared pool, if it
// owns one. Safe to call more than once; subsequent calls are no-ops.
func (m *Message) Release() {
	if m.releaseOnPut {
		bufpool.Put(m.payload)
		m.releaseOnPut = false
	}
	m.payload = nil
}

// Encode writes the wire representation (header + payload) of m into dst,
// growing dst if necessary, and returns the slice actually used.
func Encode(m *Message, dst []byte) []byte {
	total := m.Size()
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	dst[0] = byte(m.Tag)
	dst[1], dst[2], dst[3] = 0, 0, 0 // pad
	binary.LittleEndian.PutUint32(dst[4:8], m.SourceRank)
	binary.LittleEndian.PutUint32(dst[8:12], m.StructureID)
	binary.LittleEndian.PutUint32(dst[12:16], m.BlockID)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(len(m.payload)))
	copy(dst[HeaderSize:], m.payload)
	return dst
}

// Decode parses a wire frame from src (header + payload) into a Borrowed
// Message that aliases src[HeaderSize:]. Callers that need to retain the
// result past src's lifetime should CloneIfBorrowed it.
func Decode(src []byte) (*Message, error) {
	if len(src) < HeaderSize {
		return nil, fmt.Errorf("message: frame too short: %d bytes, need at least %d", len(src), HeaderSize)
	}
	tag := Tag(src[0])
	srcRank := binary.LittleEndian.Uint32(src[4:8])
	sid := binary.LittleEndian.Uint32(src[8:12])
	bid := binary.LittleEndian.Uint32(src[12:16])
	payloadSize := binary.LittleEndian.Uint32(src[16:20])
	if HeaderSize+int(payloadSize) > len(src) {
		return nil, fmt.Errorf("message: declared payload size %d exceeds frame length %d", payloadSize, len(src)-HeaderSize)
	}
	return Wrap(src[HeaderSize:HeaderSize+int(payloadSize)], tag, srcRank, sid, bid), nil
}
