package audio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestWindowKeepsMostRecentChunks(t *testing.T) {
	w := NewWindow(3)
	for i := 0; i < 5; i++ {
		w.Add([]byte{byte(i)})
	}
	if w.Len() != 3 {
		t.Fatalf("expected 3 chunks, got %d", w.Len())
	}
	if got := w.Bytes(); !bytes.Equal(got, []byte{2, 3, 4}) {
		t.Fatalf("unexpected window %v", got)
	}

	w.Clear()
	if w.Len() != 0 || len(w.Bytes()) != 0 {
		t.Fatal("expected empty window after clear")
	}
	w.Add([]byte{7})
	if got := w.Bytes(); !bytes.Equal(got, []byte{7}) {
		t.Fatalf("unexpected window after clear %v", got)
	}
}

func TestFloat32Normalises(t *testing.T) {
	pcm := Int16Bytes([]int16{0, 16384, -32768})
	samples, err := Float32(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("float32: %v", err)
	}
	want := []float32{0, 0.5, -1}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: got %v want %v", i, samples[i], want[i])
		}
	}
}

func TestFloat32KeepsFullScale(t *testing.T) {
	samples, err := Float32(Int16Bytes([]int16{32767, -32768, 16384}), 16000, 1)
	if err != nil {
		t.Fatalf("float32: %v", err)
	}
	want := []float32{1, -1, 0.5}
	for i := range want {
		if d := samples[i] - want[i]; d > 0.001 || d < -0.001 {
			t.Fatalf("sample %d: got %v want about %v", i, samples[i], want[i])
		}
	}
}

func TestFloat32DownmixesStereo(t *testing.T) {
	pcm := Int16Bytes([]int16{16384, 0, -16384, -16384})
	samples, err := Float32(pcm, 16000, 2)
	if err != nil {
		t.Fatalf("float32: %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.25 || samples[1] != -0.5 {
		t.Fatalf("unexpected mono samples %v", samples)
	}
}

func TestIntBufferRejectsOddPayload(t *testing.T) {
	if _, err := IntBuffer([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestEncodeWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := Int16Bytes([]int16{1, -1, 200, -200})
	if err := EncodeWAV(file, pcm, 16000, 1); err != nil {
		t.Fatalf("encode: %v", err)
	}
	file.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected header rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
}
