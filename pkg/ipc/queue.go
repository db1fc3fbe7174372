package ipc

import (
	"context"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/metrics"
)

// deliveryQueue hands inbound messages from the connection reader (the
// only producer) to Next (the only consumer). wake tells the consumer an
// item or the end is available; space tells the producer a slot opened.
// ended closes when the peer is gone and done when the connection is
// closed locally.
type deliveryQueue struct {
	ring    lfq.SPSC[message.Message]
	consume sync.Mutex
	wake    chan struct{}
	space   chan struct{}
	ended   chan struct{}
	endOnce sync.Once
	done    <-chan struct{}
	metrics *metrics.Metrics
}

func newDeliveryQueue(capacity int, done <-chan struct{}, m *metrics.Metrics) *deliveryQueue {
	q := &deliveryQueue{
		wake:    make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		ended:   make(chan struct{}),
		done:    done,
		metrics: m,
	}
	q.ring.Init(roundPow2(capacity))
	return q
}

// push enqueues m, waiting for space. It returns false if stop closes
// first, in which case m was not queued.
func (q *deliveryQueue) push(m message.Message, stop <-chan struct{}) bool {
	for {
		err := q.ring.Enqueue(&m)
		if err == nil {
			notify(q.wake)
			return true
		}
		if !iox.IsWouldBlock(err) {
			return false
		}
		q.metrics.QueueFull()
		select {
		case <-q.space:
		case <-stop:
			return false
		}
	}
}

// finish marks the end of the stream. Items already queued stay
// deliverable.
func (q *deliveryQueue) finish() {
	q.endOnce.Do(func() { close(q.ended) })
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// pop returns the next message, io.EOF once the stream ended and is
// drained, or ctx.Err(). After a local close it returns io.EOF at once.
func (q *deliveryQueue) pop(ctx context.Context) (message.Message, error) {
	q.consume.Lock()
	defer q.consume.Unlock()
	for {
		if isClosed(q.done) {
			return nil, io.EOF
		}
		// read the flag before the ring so an item pushed just before the
		// end is never skipped
		end := isClosed(q.ended)
		m, err := q.ring.Dequeue()
		if err == nil {
			notify(q.space)
			return m, nil
		}
		if end {
			return nil, io.EOF
		}
		select {
		case <-q.wake:
		case <-q.ended:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain releases descriptors held by undelivered messages. It runs once
// the producer has stopped.
func (q *deliveryQueue) drain() {
	q.consume.Lock()
	defer q.consume.Unlock()
	for {
		m, err := q.ring.Dequeue()
		if err != nil {
			return
		}
		ReleaseDescriptors(m)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func roundPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
