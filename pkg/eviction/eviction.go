// Package eviction implements the four interchangeable cache replacement
// strategies: LRU, MRU, LFU, and bit-pseudo-LRU.
//
// Each policy is deliberately split into two narrow operations rather than a
// single combined touch-and-evict hook, because the admission loop that
// decides *how many* victims are needed to fit a new block lives in the
// cache core, not in the policy:
//
//   - Reference(key) records that key was just touched (a lookup hit, or an
//     admission), updating whatever recency/frequency/bit bookkeeping the
//     policy keeps.
//   - Victim() peeks the single key the policy would evict next, without
//     removing its bookkeeping — the caller evicts it from the cache core
//     and then calls Remove to drop it from the policy too.
//
// Only the manager's local cache runs a policy; workers never evict.
package eviction

// Policy is the bookkeeping + victim-selection contract shared by all four
// strategies. Implementations are not safe for concurrent use; pkg/blockcache
// serializes access with its own lock.
type Policy interface {
	// Reference records a touch (store or lookup hit) of key. Callers
	// invoke this both for existing entries (recency/frequency update) and
	// for newly admitted ones (initial bookkeeping insertion).
	Reference(key uint64)

	// Victim returns the key that should be evicted next, or ok=false if
	// the policy currently tracks no keys.
	Victim() (key uint64, ok bool)

	// Remove drops key's bookkeeping entirely — called after the cache core
	// has actually evicted or erased it.
	Remove(key uint64)

	// Len reports how many keys the policy is currently tracking. Used to
	// verify invariant I5 (policy bookkeeping == resident key set) in tests.
	Len() int
}

// Kind names one of the four interchangeable policies, matching the
// eviction_policy config option.
type Kind string

const (
	KindLRU  Kind = "LRU"
	KindMRU  Kind = "MRU"
	KindLFU  Kind = "LFU"
	KindPLRU Kind = "PLRU"
)

// New constructs the Policy for the named Kind.
func New(kind Kind) (Policy, error) {
	switch kind {
	case KindLRU:
		return NewLRU(), nil
	case KindMRU:
		return NewMRU(), nil
	case KindLFU:
		return NewLFU(), nil
	case KindPLRU:
		return NewPLRU(), nil
	default:
		return nil, &UnknownPolicyError{Kind: kind}
	}
}

// UnknownPolicyError is returned by New for an unrecognized Kind; this is a
// configuration error and should fail the run at startup.
type UnknownPolicyError struct {
	Kind Kind
}

func (e *UnknownPolicyError) Error() string {
	return "eviction: unknown policy kind " + string(e.Kind)
}
