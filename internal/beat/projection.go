package beat

import (
	"cmp"
	"container/heap"
	"slices"
	"time"

	"github.com/flemzord/sbeat/internal/schedule"
	"github.com/flemzord/sbeat/internal/store"
)

// slot is one enabled entry in the projection.
type slot struct {
	entry       store.Entry
	sched       schedule.Schedule
	fingerprint string
	// last is the occurrence due was computed from: the last fired
	// occurrence, the persisted last_run_at, or date_changed.
	last  time.Time
	due   time.Time
	index int
}

// slotHeap orders slots by (due, name).
type slotHeap []*slot

func (h slotHeap) Len() int { return len(h) }

func (h slotHeap) Less(i, j int) bool {
	if c := h[i].due.Compare(h[j].due); c != 0 {
		return c < 0
	}
	return h[i].entry.Name < h[j].entry.Name
}

func (h slotHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *slotHeap) Push(x any) {
	s := x.(*slot)
	s.index = len(*h)
	*h = append(*h, s)
}

func (h *slotHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// projection is the due-ordered view of enabled entries.
type projection struct {
	heap   slotHeap
	byName map[string]*slot
}

func newProjection() *projection {
	return &projection{byName: make(map[string]*slot)}
}

func (p *projection) len() int { return len(p.heap) }

func (p *projection) push(s *slot) {
	heap.Push(&p.heap, s)
	p.byName[s.entry.Name] = s
}

// peek returns the earliest slot without removing it.
func (p *projection) peek() *slot {
	if len(p.heap) == 0 {
		return nil
	}
	return p.heap[0]
}

func (p *projection) pop() *slot {
	if len(p.heap) == 0 {
		return nil
	}
	s := heap.Pop(&p.heap).(*slot)
	delete(p.byName, s.entry.Name)
	return s
}

func (p *projection) get(name string) (*slot, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// SlotView is a read-only snapshot of one projection slot.
type SlotView struct {
	EntryID       int64      `json:"entry_id"`
	Name          string     `json:"name"`
	Task          string     `json:"task"`
	Schedule      string     `json:"schedule"`
	Due           time.Time  `json:"due"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRunCount int64      `json:"total_run_count"`
}

// snapshot returns the slots sorted by (due, name).
func (p *projection) snapshot() []SlotView {
	out := make([]SlotView, 0, len(p.heap))
	for _, s := range p.heap {
		v := SlotView{
			EntryID:       s.entry.ID,
			Name:          s.entry.Name,
			Task:          s.entry.Task,
			Schedule:      s.sched.String(),
			Due:           s.due,
			TotalRunCount: s.entry.TotalRunCount,
		}
		if s.entry.LastRunAt != nil {
			t := *s.entry.LastRunAt
			v.LastRunAt = &t
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b SlotView) int {
		if c := a.Due.Compare(b.Due); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
