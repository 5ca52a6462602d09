package speech

import "github.com/skysim/voxcache/pkg/protocol"

type kind int

const (
	kindSpeak kind = iota
	kindContext
	kindShutdown
)

// request is a pending unit of work for the backend goroutine. For
// kindContext, text carries the flight context name and voices the voice set.
type request struct {
	id       string
	kind     kind
	text     string
	voice    string
	voices   map[string]protocol.VoiceConfig
	priority Priority
	seq      int64
	index    int
}

// result is finished audio waiting for delivery through Update.
type result struct {
	id       string
	audio    []byte
	priority Priority
	seq      int64
	index    int
}

// Both heaps order by priority descending, then submission order. The result
// heap reuses the ordering so higher priority audio is delivered first even
// when the backend finished it out of order.

type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	item := x.(*request)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type resultHeap []*result

func (h resultHeap) Len() int { return len(h) }

func (h resultHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h resultHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *resultHeap) Push(x any) {
	item := x.(*result)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
