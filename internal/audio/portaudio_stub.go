//go:build !portaudio

package audio

import (
	"context"
	"errors"
	"io"
)

const PortAudioAvailable = false

// ErrPortAudioUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioUnavailable = errors.New("portaudio support not compiled in (build with -tags portaudio)")

type PortAudioSource struct{}

func NewPortAudioSource() *PortAudioSource { return &PortAudioSource{} }

func (s *PortAudioSource) Open(context.Context, Format, io.Writer) (Capture, error) {
	return nil, ErrPortAudioUnavailable
}
