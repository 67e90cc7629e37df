package audio

import (
	"sync"
)

// BytesPerChunk is the byte size of one chunk of 16-bit PCM.
func BytesPerChunk(chunkSize, channels int) int {
	if channels <= 0 {
		channels = 1
	}
	return chunkSize * channels * 2
}

// Feed re-slices an arbitrary PCM byte stream into fixed-size chunks and
// pushes them onto a Queue. It implements io.Writer so capture processes and
// network frames can be copied straight into it.
type Feed struct {
	mu         sync.Mutex
	queue      *Queue
	chunkBytes int
	pending    []byte
}

func NewFeed(queue *Queue, chunkBytes int) *Feed {
	if chunkBytes <= 0 {
		chunkBytes = BytesPerChunk(1024, 1)
	}
	return &Feed{queue: queue, chunkBytes: chunkBytes}
}

func (f *Feed) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, p...)
	for len(f.pending) >= f.chunkBytes {
		chunk := make([]byte, f.chunkBytes)
		copy(chunk, f.pending[:f.chunkBytes])
		f.pending = f.pending[f.chunkBytes:]
		if !f.queue.Push(chunk) {
			f.pending = nil
			return len(p), ErrClosed
		}
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return len(p), nil
}

// Pending reports the bytes held back waiting for a full chunk.
func (f *Feed) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Close ends the stream: the queue is closed once buffered chunks are read.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
	f.queue.Close()
	return nil
}
