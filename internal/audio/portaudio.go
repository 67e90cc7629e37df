//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether this build links PortAudio.
const PortAudioAvailable = true

// PortAudioSource reads the default input device through PortAudio.
type PortAudioSource struct{}

func NewPortAudioSource() *PortAudioSource { return &PortAudioSource{} }

func (s *PortAudioSource) Open(ctx context.Context, format Format, sink io.Writer) (Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	in := make([]int16, format.ChunkSize*max(format.Channels, 1))
	stream, err := portaudio.OpenDefaultStream(max(format.Channels, 1), 0, float64(format.SampleRate), format.ChunkSize, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open portaudio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start portaudio stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &portAudioCapture{stream: stream, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		defer finish(sink)
		for runCtx.Err() == nil {
			if err := stream.Read(); err != nil {
				return
			}
			if _, err := sink.Write(Int16Bytes(in)); err != nil {
				return
			}
		}
	}()
	return c, nil
}

type portAudioCapture struct {
	stream *portaudio.Stream
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (c *portAudioCapture) Stop() error {
	c.once.Do(func() {
		c.cancel()
		if err := c.stream.Stop(); err != nil {
			c.err = err
		}
		<-c.done
		if err := c.stream.Close(); err != nil && c.err == nil {
			c.err = err
		}
		if err := portaudio.Terminate(); err != nil && c.err == nil {
			c.err = err
		}
	})
	return c.err
}
