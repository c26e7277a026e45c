package mux

import (
	"github.com/eapache/queue"
)

// pendingQueue buffers descriptors discovered ready in one OS poll but not
// yet handed to the caller. It is refilled only when empty, so one Wait call
// hands out at most one descriptor and discovery order is preserved.
type pendingQueue struct {
	q *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) push(fd int) {
	p.q.Add(fd)
}

// pop returns the oldest queued descriptor still accepted by keep.
// Descriptors cancelled after they were queued are discarded here, which is
// what guarantees an unregistered fd is never reported.
func (p *pendingQueue) pop(keep func(fd int) bool) (int, bool) {
	for p.q.Length() > 0 {
		fd := p.q.Remove().(int)
		if keep(fd) {
			return fd, true
		}
	}
	return -1, false
}

func (p *pendingQueue) empty() bool {
	return p.q.Length() == 0
}
