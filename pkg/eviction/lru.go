package eviction

import "container/list"

// LRU evicts the least-recently referenced key. Most-recent is the front of
// the list; the victim is always the back — grounded on the source's
// LeastRecentlyUsedCacheWorker (queue.push_front on reference, queue.back()
// as victim).
type LRU struct {
	order *list.List
	index map[uint64]*list.Element
}

// NewLRU constructs an empty LRU policy.
func NewLRU() *LRU {
	return &LRU{order: list.New(), index: make(map[uint64]*list.Element)}
}

func (p *LRU) Reference(key uint64) {
	if e, ok := p.index[key]; ok {
		p.order.MoveToFront(e)
		return
	}
	p.index[key] = p.order.PushFront(key)
}

func (p *LRU) Victim() (uint64, bool) {
	back := p.order.Back()
	if back == nil {
		return 0, false
	}
	return back.Value.(uint64), true
}

func (p *LRU) Remove(key uint64) {
	if e, ok := p.index[key]; ok {
		p.order.Remove(e)
		delete(p.index, key)
	}
}

func (p *LRU) Len() int { return p.order.Len() }
