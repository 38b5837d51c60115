package wsclient

import "github.com/eapache/queue"

// outbox is a bounded FIFO of serialized frames that evicts the oldest frame
// when full. Not safe for concurrent use; the client guards it with its mutex.
type outbox struct {
	q        *queue.Queue
	capacity int
}

func newOutbox(capacity int) *outbox {
	return &outbox{q: queue.New(), capacity: capacity}
}

// push appends frame and reports whether an older frame was evicted.
func (o *outbox) push(frame []byte) (evicted bool) {
	if o.q.Length() >= o.capacity {
		o.q.Remove()
		evicted = true
	}
	o.q.Add(frame)
	return evicted
}

func (o *outbox) peek() []byte {
	return o.q.Peek().([]byte)
}

func (o *outbox) pop() {
	o.q.Remove()
}

func (o *outbox) len() int {
	return o.q.Length()
}

func (o *outbox) snapshot() [][]byte {
	out := make([][]byte, o.q.Length())
	for i := range out {
		out[i] = o.q.Get(i).([]byte)
	}
	return out
}
