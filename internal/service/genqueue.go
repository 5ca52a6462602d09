package service

import (
	"container/heap"
	"sync"

	"github.com/skysim/voxcache/internal/cache"
)

// genItem is one pending background generation. Lower priority numbers are
// generated first; equal priorities run in insertion order.
type genItem struct {
	text     string
	settings cache.Settings
	key      string // "voice:text", the dedup key
	priority int
	seq      int64
	index    int
}

type genHeap []*genItem

func (h genHeap) Len() int { return len(h) }

func (h genHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h genHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *genHeap) Push(x any) {
	item := x.(*genItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *genHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// genQueue is the bounded, deduplicating priority queue feeding the
// background generation loop.
type genQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    genHeap
	keys     map[string]struct{}
	max      int
	seq      int64
	closed   bool
}

func newGenQueue(max int) *genQueue {
	q := &genQueue{
		keys: make(map[string]struct{}),
		max:  max,
	}
	heap.Init(&q.items)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues an item unless the queue is closed, full, or already holds
// its key. Reports whether the item was accepted.
func (q *genQueue) push(text string, settings cache.Settings, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.max {
		return false
	}
	key := settings.Voice + ":" + text
	if _, dup := q.keys[key]; dup {
		return false
	}

	q.seq++
	heap.Push(&q.items, &genItem{
		text:     text,
		settings: settings,
		key:      key,
		priority: priority,
		seq:      q.seq,
	})
	q.keys[key] = struct{}{}
	q.notEmpty.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (q *genQueue) pop() (*genItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*genItem)
	delete(q.keys, item.key)
	return item, true
}

// dropKey forgets a dedup key so the text may be queued again. The pending
// item, if any, stays queued; the generation loop skips already-cached texts.
func (q *genQueue) dropKey(voice, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, voice+":"+text)
}

// contains reports whether a key is pending.
func (q *genQueue) contains(voice, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[voice+":"+text]
	return ok
}

// clear drops all pending items and returns how many were dropped.
func (q *genQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := len(q.items)
	q.items = q.items[:0]
	heap.Init(&q.items)
	q.keys = make(map[string]struct{})
	return cleared
}

func (q *genQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes any blocked pop; pending items are still drained first.
func (q *genQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
