package frontier

import (
	"container/heap"

	"github.com/JakeFAU/scholar-crawler/internal/crawler"
)

// ordering is the dequeue discipline behind a Frontier.
type ordering interface {
	push(e Entry)
	pop() (Entry, bool)
	peek() (Entry, bool)
	len() int
	entries() []Entry
	// retain keeps the entries for which keep returns true, preserving
	// their relative dequeue order.
	retain(keep func(Entry) bool)
	clear()
}

func newOrdering(strategy crawler.Strategy) ordering {
	switch strategy {
	case crawler.StrategyDFS:
		return &lifo{}
	case crawler.StrategyBigSiteFirst:
		return &priorityOrder{}
	default:
		return &fifo{}
	}
}

// fifo is a queue; the head index avoids shifting on every pop.
type fifo struct {
	items []Entry
	head  int
}

func (q *fifo) push(e Entry) { q.items = append(q.items, e) }

func (q *fifo) pop() (Entry, bool) {
	if q.head >= len(q.items) {
		return Entry{}, false
	}
	e := q.items[q.head]
	q.items[q.head] = Entry{}
	q.head++
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append([]Entry(nil), q.items[q.head:]...)
		q.head = 0
	}
	return e, true
}

func (q *fifo) peek() (Entry, bool) {
	if q.head >= len(q.items) {
		return Entry{}, false
	}
	return q.items[q.head], true
}

func (q *fifo) len() int { return len(q.items) - q.head }

func (q *fifo) entries() []Entry { return append([]Entry(nil), q.items[q.head:]...) }

func (q *fifo) retain(keep func(Entry) bool) {
	kept := make([]Entry, 0, q.len())
	for _, e := range q.items[q.head:] {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	q.items = kept
	q.head = 0
}

func (q *fifo) clear() {
	q.items = nil
	q.head = 0
}

type lifo struct {
	items []Entry
}

func (s *lifo) push(e Entry) { s.items = append(s.items, e) }

func (s *lifo) pop() (Entry, bool) {
	n := len(s.items)
	if n == 0 {
		return Entry{}, false
	}
	e := s.items[n-1]
	s.items = s.items[:n-1]
	return e, true
}

func (s *lifo) peek() (Entry, bool) {
	if len(s.items) == 0 {
		return Entry{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *lifo) len() int { return len(s.items) }

func (s *lifo) entries() []Entry {
	out := make([]Entry, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		out = append(out, s.items[i])
	}
	return out
}

func (s *lifo) retain(keep func(Entry) bool) {
	kept := s.items[:0]
	for _, e := range s.items {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	clear(s.items[len(kept):])
	s.items = kept
}

func (s *lifo) clear() { s.items = nil }

// priorityOrder pops the highest priority first; equal priorities pop in
// insertion order.
type priorityOrder struct {
	h entryHeap
}

func (p *priorityOrder) push(e Entry) { heap.Push(&p.h, e) }

func (p *priorityOrder) pop() (Entry, bool) {
	if p.h.Len() == 0 {
		return Entry{}, false
	}
	e, _ := heap.Pop(&p.h).(Entry)
	return e, true
}

func (p *priorityOrder) peek() (Entry, bool) {
	if p.h.Len() == 0 {
		return Entry{}, false
	}
	return p.h[0], true
}

func (p *priorityOrder) len() int { return p.h.Len() }

func (p *priorityOrder) entries() []Entry {
	cp := append(entryHeap(nil), p.h...)
	out := make([]Entry, 0, len(cp))
	for cp.Len() > 0 {
		e, _ := heap.Pop(&cp).(Entry)
		out = append(out, e)
	}
	return out
}

func (p *priorityOrder) retain(keep func(Entry) bool) {
	kept := p.h[:0]
	for _, e := range p.h {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	clear(p.h[len(kept):])
	p.h = kept
	heap.Init(&p.h)
}

func (p *priorityOrder) clear() { p.h = nil }

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	e, _ := x.(Entry)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
