// pkg/comm/mailbox.go
package comm

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mailKey struct {
	src int
	tag Tag
}

type mailQueue struct {
	arrived [][]byte
	posted  []*Request
}

// Mailbox matches inbound messages with posted receives, one FIFO per
// (source, tag). Transports embed it on the receiving side.
type Mailbox struct {
	mu     sync.Mutex
	queues map[mailKey]*mailQueue
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{queues: make(map[mailKey]*mailQueue)}
}

func (m *Mailbox) queue(k mailKey) *mailQueue {
	q, ok := m.queues[k]
	if !ok {
		q = &mailQueue{}
		m.queues[k] = q
	}
	return q
}

// Deliver hands an inbound message to the oldest posted receive, or buffers
// it. The mailbox takes ownership of payload.
func (m *Mailbox) Deliver(src int, tag Tag, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return status.Error(codes.Unavailable, "mailbox closed")
	}
	q := m.queue(mailKey{src, tag})
	if len(q.posted) == 0 {
		q.arrived = append(q.arrived, payload)
		m.mu.Unlock()
		return nil
	}
	r := q.posted[0]
	q.posted = q.posted[1:]
	m.mu.Unlock()

	r.complete(payload, nil)
	return nil
}

// Post registers a receive for the next message from src with tag.
func (m *Mailbox) Post(src int, tag Tag, buf []byte) *Request {
	r := newRequest(buf)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		r.complete(nil, status.Error(codes.Unavailable, "mailbox closed"))
		return r
	}
	q := m.queue(mailKey{src, tag})
	if len(q.arrived) == 0 {
		q.posted = append(q.posted, r)
		m.mu.Unlock()
		return r
	}
	payload := q.arrived[0]
	q.arrived = q.arrived[1:]
	m.mu.Unlock()

	r.complete(payload, nil)
	return r
}

// Pending returns the number of buffered, unmatched messages.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q.arrived)
	}
	return n
}

// Close fails every posted receive and rejects further traffic.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var posted []*Request
	for _, q := range m.queues {
		posted = append(posted, q.posted...)
	}
	m.queues = nil
	m.mu.Unlock()

	for _, r := range posted {
		r.complete(nil, status.Error(codes.Unavailable, "mailbox closed"))
	}
}
