package audio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueNextReturnsChunksInOrder(t *testing.T) {
	q := NewQueue(4)
	q.Push([]byte{1})
	q.Push([]byte{2})

	for _, want := range []byte{1, 2} {
		chunk, err := q.Next(context.Background(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if chunk[0] != want {
			t.Fatalf("expected chunk %d, got %d", want, chunk[0])
		}
	}
}

func TestQueueNextTimesOut(t *testing.T) {
	q := NewQueue(1)
	start := time.Now()
	if _, err := q.Next(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrNoChunk) {
		t.Fatalf("expected ErrNoChunk, got %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("Next returned before the timeout elapsed")
	}
}

func TestQueueNextWakesOnPush(t *testing.T) {
	q := NewQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push([]byte("late"))
	}()
	chunk, err := q.Next(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(chunk) != "late" {
		t.Fatalf("unexpected chunk %q", chunk)
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Push([]byte{3})

	if q.Dropped() != 1 {
		t.Fatalf("expected one dropped chunk, got %d", q.Dropped())
	}
	chunk, _ := q.Next(context.Background(), time.Millisecond)
	if chunk[0] != 2 {
		t.Fatalf("expected oldest surviving chunk 2, got %d", chunk[0])
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 5; i++ {
		q.Push([]byte{byte(i)})
	}
	if n := q.Drain(); n != 5 {
		t.Fatalf("expected 5 drained chunks, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueCloseDeliversBufferedChunks(t *testing.T) {
	q := NewQueue(2)
	q.Push([]byte{9})
	q.Close()

	if q.Push([]byte{10}) {
		t.Fatal("push after close should fail")
	}
	chunk, err := q.Next(context.Background(), time.Millisecond)
	if err != nil || chunk[0] != 9 {
		t.Fatalf("expected buffered chunk, got %v %v", chunk, err)
	}
	if _, err := q.Next(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFeedRechunks(t *testing.T) {
	q := NewQueue(8)
	feed := NewFeed(q, 4)

	if _, err := feed.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("partial chunk should not be queued")
	}
	if _, err := feed.Write([]byte{4, 5, 6, 7, 8, 9}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 chunks, got %d", q.Len())
	}
	first, _ := q.Next(context.Background(), time.Millisecond)
	second, _ := q.Next(context.Background(), time.Millisecond)
	if !bytes.Equal(first, []byte{1, 2, 3, 4}) || !bytes.Equal(second, []byte{5, 6, 7, 8}) {
		t.Fatalf("unexpected chunks %v %v", first, second)
	}
	if feed.Pending() != 1 {
		t.Fatalf("expected 1 pending byte, got %d", feed.Pending())
	}
}

func TestFeedWriteAfterClose(t *testing.T) {
	q := NewQueue(2)
	q.Close()
	feed := NewFeed(q, 2)
	if _, err := feed.Write([]byte{1, 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBytesPerChunk(t *testing.T) {
	if got := BytesPerChunk(1024, 1); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
	if got := BytesPerChunk(512, 2); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
}

func TestFeedCloseEndsQueueAfterBufferedChunks(t *testing.T) {
	q := NewQueue(4)
	feed := NewFeed(q, 2)
	_, _ = feed.Write([]byte{1, 2, 3})
	if err := feed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if chunk, err := q.Next(context.Background(), 10*time.Millisecond); err != nil || len(chunk) != 2 {
		t.Fatalf("expected buffered chunk before close, got %v %v", chunk, err)
	}
	if _, err := q.Next(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFFmpegExitClosesFeed(t *testing.T) {
	script := writeScript(t, "short.sh", "#!/usr/bin/env bash\nsleep 0.4\nprintf 'abcd'\n")
	source := NewFFmpegSource(script, "", "", testLogger())

	q := NewQueue(4)
	capture, err := source.Open(context.Background(), Format{SampleRate: 16000, Channels: 1, ChunkSize: 2}, NewFeed(q, 4))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer capture.Stop()

	if chunk, err := q.Next(context.Background(), 2*time.Second); err != nil || string(chunk) != "abcd" {
		t.Fatalf("expected chunk, got %q %v", chunk, err)
	}
	if _, err := q.Next(context.Background(), 2*time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once capture exits, got %v", err)
	}
}
