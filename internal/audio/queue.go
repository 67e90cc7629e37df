package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoChunk is returned by Next when no chunk arrived within the timeout.
	ErrNoChunk = errors.New("audio: no chunk available")
	// ErrClosed is returned once the producer has closed the queue and all
	// buffered chunks have been consumed.
	ErrClosed = errors.New("audio: queue closed")
)

// Queue is a bounded single-producer single-consumer chunk queue. When the
// consumer falls behind, the oldest chunk is dropped so the most recent audio
// is always available.
type Queue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// Push enqueues a chunk without blocking. It reports false if the queue is
// closed.
func (q *Queue) Push(chunk []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	for {
		select {
		case q.ch <- chunk:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Next blocks until a chunk is available, the timeout expires (ErrNoChunk),
// the queue is closed and empty (ErrClosed) or ctx is done.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case chunk := <-q.ch:
		return chunk, nil
	default:
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-q.ch:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		select {
		case chunk := <-q.ch:
			return chunk, nil
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		return nil, ErrNoChunk
	}
}

// Drain discards every buffered chunk and returns how many were dropped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Close marks the producer side finished. Buffered chunks stay readable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len reports the number of buffered chunks.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped reports how many chunks were discarded because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
