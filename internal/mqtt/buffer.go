package mqtt

import "log"

// ringBuffer is a fixed-capacity FIFO that holds messages while disconnected.
// When full, the oldest message is overwritten.
// Not safe for concurrent use; the caller must synchronize.
type ringBuffer struct {
	buf      []Message
	head     int // next write position
	count    int
	dropped  int  // total messages overwritten
	overflow bool // a message was dropped since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{buf: make([]Message, capacity)}
}

func (r *ringBuffer) push(msg Message) {
	n := len(r.buf)
	r.buf[r.head] = msg
	r.head = (r.head + 1) % n
	if r.count < n {
		r.count++
		return
	}
	// head was pointing at the oldest message, now overwritten.
	r.dropped++
	if !r.overflow {
		log.Printf("mqtt: offline buffer full (%d messages), dropping oldest", n)
		r.overflow = true
	}
}

// drainAll returns buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []Message {
	if r.count == 0 {
		return nil
	}
	n := len(r.buf)
	out := make([]Message, r.count)
	start := (r.head - r.count + n) % n
	for i := range out {
		out[i] = r.buf[(start+i)%n]
		r.buf[(start+i)%n] = Message{}
	}
	r.count, r.head, r.overflow = 0, 0, false
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
