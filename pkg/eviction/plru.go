package eviction

import "container/list"

type plruEntry struct {
	key  uint64
	used bool
}

// PLRU is bit-pseudo-LRU (a.k.a. clock / second-chance): every entry carries
// one "used" bit, set on reference. Eviction scans from a persistent hand,
// clearing bits as it passes set entries, until it finds one whose bit is
// already clear — which is exactly "clear them all, then pick" when every
// bit happens to be set, applied one pass at a time rather than all at once,
// giving amortized constant-time eviction.
type PLRU struct {
	order *list.List // ring of *plruEntry, in insertion order
	index map[uint64]*list.Element
	hand  *list.Element
}

// NewPLRU constructs an empty PLRU policy.
func NewPLRU() *PLRU {
	return &PLRU{order: list.New(), index: make(map[uint64]*list.Element)}
}

func (p *PLRU) next(e *list.Element) *list.Element {
	if n := e.Next(); n != nil {
		return n
	}
	return p.order.Front()
}

func (p *PLRU) Reference(key uint64) {
	if e, ok := p.index[key]; ok {
		e.Value.(*plruEntry).used = true
		return
	}
	e := p.order.PushBack(&plruEntry{key: key, used: true})
	p.index[key] = e
	if p.hand == nil {
		p.hand = e
	}
}

func (p *PLRU) Victim() (uint64, bool) {
	if p.order.Len() == 0 {
		return 0, false
	}
	e := p.hand
	for i := 0; i <= p.order.Len(); i++ {
		entry := e.Value.(*plruEntry)
		if !entry.used {
			p.hand = p.next(e)
			return entry.key, true
		}
		entry.used = false
		e = p.next(e)
	}
	panic("eviction: plru scan found no victim in a non-empty ring")
}

func (p *PLRU) Remove(key uint64) {
	e, ok := p.index[key]
	if !ok {
		return
	}
	if p.hand == e {
		if nxt := p.next(e); nxt != e {
			p.hand = nxt
		} else {
			p.hand = nil
		}
	}
	p.order.Remove(e)
	delete(p.index, key)
}

func (p *PLRU) Len() int { return p.order.Len() }
