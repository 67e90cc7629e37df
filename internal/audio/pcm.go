package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// IntBuffer decodes 16-bit little-endian PCM into a go-audio buffer.
func IntBuffer(pcm []byte, sampleRate, channels int) (*goaudio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// Float32 converts 16-bit PCM to mono float samples in [-1, 1].
func Float32(pcm []byte, sampleRate, channels int) ([]float32, error) {
	buf, err := IntBuffer(pcm, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	// AsFloat32Buffer scales by SourceBitDepth, so samples are already in [-1, 1].
	out := buf.AsFloat32Buffer().Data
	if channels <= 1 {
		return out, nil
	}
	mono := make([]float32, len(out)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += out[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, nil
}

// EncodeWAV writes the PCM payload as a 16-bit WAV file.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	buf, err := IntBuffer(pcm, sampleRate, channels)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, sampleRate, 16, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Int16Bytes encodes samples as 16-bit little-endian PCM.
func Int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
