// Package stream holds completion packets pushed by the device until the
// host collects them.
package stream

import (
	"sync"
	"time"
)

// Entry is one completion packet: the raw sample buffer of a finished
// acquisition tagged with the stream it belongs to.
type Entry struct {
	Arrival  time.Time
	StreamID uint32
	Payload  []byte
}

// Queue is a FIFO of entries. Any number of producers may Put concurrently
// with a consumer calling Take.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put appends an entry.
func (q *Queue) Put(e Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Take removes and returns every entry accepted by match. Entries left in the
// queue keep their relative order. A nil match takes everything.
func (q *Queue) Take(match func(Entry) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if match == nil || match(e) {
			taken = append(taken, e)
		} else {
			kept = append(kept, e)
		}
	}
	// drop references held by the tail
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = Entry{}
	}
	q.entries = kept
	return taken
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Notify is signalled after Put. Signals coalesce, so a receiver should
// drain the queue rather than count notifications.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
