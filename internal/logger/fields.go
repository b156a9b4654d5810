package logger

// Standard field keys for structured logging. Use these consistently across
// log statements so aggregation and querying can rely on a fixed vocabulary.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Cluster topology
	KeyRank      = "rank"       // this process's own rank
	KeySourceRank = "source_rank" // rank a message originated from
	KeyPeerRank  = "peer_rank"  // rank on the other end of a transport op
	KeyWorldSize = "world_size"

	// Cache addressing
	KeyStructureID = "structure_id"
	KeyBlockID     = "block_id"
	KeyTag         = "tag" // message.Tag name: STORE_BLOCK, GET_BLOCK, ...

	// Cache outcome
	KeyOutcome   = "outcome" // hit, miss, evicted, not_found
	KeyBytes     = "bytes"
	KeyEntries   = "entries"
	KeyPolicy    = "policy" // eviction policy name

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyOperation  = "operation"
)
