// Package cdc captures store mutations as an ordered event stream.
//
// Events are kept in a fixed-size ring buffer for polling (Since, Latest)
// and fanned out to live subscribers. Delivery to subscribers never blocks
// the writer: a subscriber whose channel is full misses the event, which is
// counted in Stats.Dropped.
package cdc

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity is the ring buffer size used when none is given.
const DefaultCapacity = 10000

// OpType describes the kind of mutation.
type OpType string

const (
	OpSet      OpType = "SET"
	OpDel      OpType = "DEL"
	OpIncr     OpType = "INCR"
	OpDecr     OpType = "DECR"
	OpFlushAll OpType = "FLUSHALL"
)

// Change is a mutation to record. TTL is zero for persistent keys.
type Change struct {
	Op    OpType
	Key   string
	Value string
	TTL   time.Duration
}

// Event is a recorded Change with its position in the stream.
type Event struct {
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"ts"`
	Op        OpType `json:"op"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

// JSON returns the JSON encoding of the event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Stream is a thread-safe ring buffer of CDC events with subscriber support.
type Stream struct {
	mu      sync.RWMutex
	buf     []Event
	head    int
	size    int
	seq     uint64
	dropped uint64
	subs    map[uint64]chan Event
	nextSub uint64
	closed  bool
	now     func() time.Time
}

// NewStream creates a CDC stream with the given ring buffer capacity.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{
		buf:  make([]Event, capacity),
		subs: make(map[uint64]chan Event),
		now:  time.Now,
	}
}

// Record appends a change to the stream and notifies all subscribers.
// IDs start at 1 and are assigned in buffer order.
func (s *Stream) Record(c Change) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := Event{
		ID:        s.seq,
		Timestamp: s.now().UnixMilli(),
		Op:        c.Op,
		Key:       c.Key,
		Value:     c.Value,
		TTLMillis: c.TTL.Milliseconds(),
	}

	s.buf[s.head] = ev
	s.head = (s.head + 1) % len(s.buf)
	if s.size < len(s.buf) {
		s.size++
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped++
		}
	}
	return ev
}

// Since returns the buffered events with ID > afterID, oldest first. Events
// that have already been overwritten are not returned.
func (s *Stream) Since(afterID uint64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Event, 0)
	if s.size == 0 || afterID >= s.seq {
		return result
	}

	// IDs in the buffer are consecutive, so the first wanted event is found
	// by offset instead of a scan.
	oldest := s.seq - uint64(s.size) + 1
	skip := 0
	if afterID >= oldest {
		skip = int(afterID - oldest + 1)
	}

	start := s.head - s.size
	if start < 0 {
		start += len(s.buf)
	}
	for i := skip; i < s.size; i++ {
		result = append(result, s.buf[(start+i)%len(s.buf)])
	}
	return result
}

// Latest returns the N most recent events, oldest first.
func (s *Stream) Latest(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return []Event{}
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := s.head - n + i
		if idx < 0 {
			idx += len(s.buf)
		}
		result[i] = s.buf[idx]
	}
	return result
}

// Subscribe registers a subscriber and returns its id and a channel that
// receives events recorded from now on. The channel is closed by
// Unsubscribe or Close.
func (s *Stream) Subscribe(bufSize int) (uint64, <-chan Event) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// Close closes every subscriber channel. Events can still be recorded and
// polled afterwards; new subscribers get an already closed channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Stats describes the stream.
type Stats struct {
	TotalEvents uint64 `json:"total_events"`
	BufferSize  int    `json:"buffer_size"`
	BufferCap   int    `json:"buffer_cap"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

func (s *Stream) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		TotalEvents: s.seq,
		BufferSize:  s.size,
		BufferCap:   len(s.buf),
		Subscribers: len(s.subs),
		Dropped:     s.dropped,
	}
}
