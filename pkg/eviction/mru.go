package eviction

import "container/list"

// MRU evicts the most-recently referenced key. Structurally identical to
// LRU (push-to-front on reference), but the victim comes from the front of
// the list instead of the back — grounded on the source's
// MostRecentlyUsedCacheWorker.
type MRU struct {
	order *list.List
	index map[uint64]*list.Element
}

// NewMRU constructs an empty MRU policy.
func NewMRU() *MRU {
	return &MRU{order: list.New(), index: make(map[uint64]*list.Element)}
}

func (p *MRU) Reference(key uint64) {
	if e, ok := p.index[key]; ok {
		p.order.Remove(e)
	}
	p.index[key] = p.order.PushFront(key)
}

func (p *MRU) Victim() (uint64, bool) {
	front := p.order.Front()
	if front == nil {
		return 0, false
	}
	return front.Value.(uint64), true
}

func (p *MRU) Remove(key uint64) {
	if e, ok := p.index[key]; ok {
		p.order.Remove(e)
		delete(p.index, key)
	}
}

func (p *MRU) Len() int { return p.order.Len() }
