package message

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is an unbounded FIFO of messages with byte-amount accounting.
// It is safe for concurrent producers and a single consumer. The amount
// is always the sum of the payload sizes of the queued messages; Pop
// removes a message and decrements the amount atomically.
type Queue struct {
	mu     sync.Mutex
	buf    *queue.Queue
	amount int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{buf: queue.New()}
}

// Push appends a message.
func (q *Queue) Push(m *Message) {
	q.mu.Lock()
	q.buf.Add(m)
	q.amount += m.Size()
	q.mu.Unlock()
}

// Pop removes and returns the oldest message. The second return value is
// false when the queue is empty.
func (q *Queue) Pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.buf.Length() == 0 {
		return nil, false
	}
	m := q.buf.Remove().(*Message)
	q.amount -= m.Size()
	return m, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Length()
}

// Amount returns the total payload bytes currently queued.
func (q *Queue) Amount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.amount
}
