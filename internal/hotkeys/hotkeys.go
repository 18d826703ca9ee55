// Package hotkeys tracks how often keys are accessed and reports the
// hottest ones.
package hotkeys

import (
	"container/heap"
	"sync"
	"time"
)

// Entry represents a single hot key with its access count.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Tracker counts key accesses. Counters are halved every window so the
// ranking follows recent traffic. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int64
	topN   int
	window time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a tracker whose Top defaults to topN entries. A zero window
// disables decay.
func New(topN int, window time.Duration) *Tracker {
	if topN <= 0 {
		topN = 100
	}
	t := &Tracker{
		counts: make(map[string]int64, topN*2),
		topN:   topN,
		window: window,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if window > 0 {
		go t.decayLoop()
	} else {
		close(t.done)
	}
	return t
}

// Record records one access to the given key.
func (t *Tracker) Record(key string) {
	t.mu.Lock()
	t.counts[key]++
	t.mu.Unlock()
}

// Top returns up to n keys by access count, highest first. Equal counts are
// ordered by key. n <= 0 uses the tracker's topN.
func (t *Tracker) Top(n int) []Entry {
	if n <= 0 {
		n = t.topN
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h := make(entryHeap, 0, min(n, len(t.counts)))
	for key, cnt := range t.counts {
		e := Entry{Key: key, Count: cnt}
		if h.Len() < n {
			heap.Push(&h, e)
		} else if worse(h[0], e) {
			h[0] = e
			heap.Fix(&h, 0)
		}
	}

	result := make([]Entry, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(&h).(Entry)
	}
	return result
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.counts = make(map[string]int64, t.topN*2)
	t.mu.Unlock()
}

// Size returns the number of tracked keys.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// Close stops the decay goroutine.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Tracker) decayLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.decay()
		}
	}
}

// decay halves every counter and forgets keys that reach zero.
func (t *Tracker) decay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cnt := range t.counts {
		if cnt /= 2; cnt == 0 {
			delete(t.counts, key)
		} else {
			t.counts[key] = cnt
		}
	}
}

// worse reports whether a ranks below b.
func worse(a, b Entry) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Key > b.Key
}

// entryHeap is a min-heap with the lowest ranked entry on top.
type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
