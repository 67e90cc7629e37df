package audio

import (
	"context"
	"io"
)

// Format describes the PCM stream a source must produce.
type Format struct {
	SampleRate int
	Channels   int
	ChunkSize  int
}

// Capture is a running audio feed.
type Capture interface {
	Stop() error
}

// Source opens a capture that writes raw 16-bit PCM into sink until the
// capture is stopped or ctx is done. Each session opens its own capture.
type Source interface {
	Open(ctx context.Context, format Format, sink io.Writer) (Capture, error)
}

// ExternalSource is used when the session client delivers audio itself, for
// example as binary websocket frames. Open does nothing.
type ExternalSource struct{}

func (ExternalSource) Open(context.Context, Format, io.Writer) (Capture, error) {
	return nopCapture{}, nil
}

type nopCapture struct{}

func (nopCapture) Stop() error { return nil }

// finish tells a closable sink that no more audio will arrive.
func finish(sink io.Writer) {
	if c, ok := sink.(io.Closer); ok {
		_ = c.Close()
	}
}
