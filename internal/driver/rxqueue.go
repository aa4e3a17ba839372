package driver

import "github.com/kstaniek/go-bxcan/internal/can"

// rxQueueCapacity bounds the software receive queue. 16 frames absorbs a
// full burst across both 3-deep hardware FIFOs with headroom for a slow
// consumer.
const rxQueueCapacity = 16

// rxQueue is a fixed ring of received frames. Written only from handler
// context, drained only from thread context; the caller holds the low-level
// lock around every access. On overflow the oldest unread entry is evicted
// and the saturating overflow counter advances.
type rxQueue struct {
	buf         [rxQueueCapacity]can.RxFrame
	in, out     uint8
	length      uint8
	overflowCnt uint32
}

// push stores a frame, evicting the oldest entry when full. It reports
// whether an eviction happened.
func (q *rxQueue) push(f can.RxFrame) (dropped bool) {
	q.buf[q.in] = f
	q.in++
	if q.in >= rxQueueCapacity {
		q.in = 0
	}
	q.length++
	if q.length > rxQueueCapacity {
		q.length = rxQueueCapacity
		q.registerOverflow()
		q.out++
		if q.out >= rxQueueCapacity {
			q.out = 0
		}
		return true
	}
	return false
}

// pop removes the oldest frame. The comma-ok result is false only when the
// queue is empty, which callers are expected to rule out beforehand.
func (q *rxQueue) pop() (can.RxFrame, bool) {
	if q.length == 0 {
		return can.RxFrame{}, false
	}
	f := q.buf[q.out]
	q.out++
	if q.out >= rxQueueCapacity {
		q.out = 0
	}
	q.length--
	return f, true
}

func (q *rxQueue) reset() {
	q.in = 0
	q.out = 0
	q.length = 0
	q.overflowCnt = 0
}

func (q *rxQueue) len() int { return int(q.length) }

func (q *rxQueue) overflowCount() uint32 { return q.overflowCnt }

// registerOverflow saturates instead of wrapping.
func (q *rxQueue) registerOverflow() {
	if q.overflowCnt < 0xFFFFFFFF {
		q.overflowCnt++
	}
}
