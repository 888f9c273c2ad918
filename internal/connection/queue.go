package connection

// sendQueue is a bounded FIFO ring buffer for payloads awaiting an open
// transport. It starts small and doubles up to the limit; once full, the
// oldest payload is dropped to admit the newest. Callers synchronize
// externally (the manager mutates it under its own lock).
type sendQueue struct {
	buf   [][]byte
	head  int // read position
	tail  int // write position
	count int
	limit int

	dropped int64
}

func newSendQueue(limit int) *sendQueue {
	if limit < 1 {
		limit = 1
	}
	initial := 16
	if initial > limit {
		initial = limit
	}
	return &sendQueue{
		buf:   make([][]byte, initial),
		limit: limit,
	}
}

// push appends data. It reports whether the oldest payload was dropped to
// make room.
func (q *sendQueue) push(data []byte) (droppedOldest bool) {
	if q.count == len(q.buf) {
		if len(q.buf) < q.limit {
			q.grow()
		} else {
			q.pop()
			q.dropped++
			droppedOldest = true
		}
	}

	q.buf[q.tail] = data
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	return droppedOldest
}

// peek returns the oldest payload without removing it.
func (q *sendQueue) peek() ([]byte, bool) {
	if q.count == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

// pop removes the oldest payload.
func (q *sendQueue) pop() {
	if q.count == 0 {
		return
	}
	q.buf[q.head] = nil // clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
}

func (q *sendQueue) len() int {
	return q.count
}

// totalDropped returns how many payloads were discarded by drop-oldest.
func (q *sendQueue) totalDropped() int64 {
	return q.dropped
}

func (q *sendQueue) clear() {
	initial := 16
	if initial > q.limit {
		initial = q.limit
	}
	q.buf = make([][]byte, initial)
	q.head = 0
	q.tail = 0
	q.count = 0
}

// grow doubles capacity, capped at the limit, preserving FIFO order.
func (q *sendQueue) grow() {
	newCap := len(q.buf) * 2
	if newCap > q.limit {
		newCap = q.limit
	}

	newBuf := make([][]byte, newCap)
	for i := 0; i < q.count; i++ {
		newBuf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = newBuf
	q.head = 0
	q.tail = q.count
}
