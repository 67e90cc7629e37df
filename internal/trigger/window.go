package trigger

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-cockpit/internal/audio"
	"github.com/loqalabs/loqa-cockpit/internal/stt"
)

// WindowDetector spots the trigger by transcribing a sliding window of the
// most recent chunks every stride chunks.
type WindowDetector struct {
	recognizer stt.Recognizer
	window     *audio.Window
	stride     int
	sinceLast  int
	sampleRate int
	channels   int
}

func NewWindowDetector(recognizer stt.Recognizer, windowChunks, strideChunks, sampleRate, channels int) *WindowDetector {
	if strideChunks <= 0 {
		strideChunks = 1
	}
	return &WindowDetector{
		recognizer: recognizer,
		window:     audio.NewWindow(windowChunks),
		stride:     strideChunks,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (d *WindowDetector) Ingest(ctx context.Context, chunk []byte) (Result, bool, error) {
	d.window.Add(chunk)
	d.sinceLast++
	if d.sinceLast < d.stride {
		return Result{}, false, nil
	}
	d.sinceLast = 0

	res, err := d.recognizer.Transcribe(ctx, d.window.Bytes(), d.sampleRate, d.channels)
	if err != nil {
		return Result{}, false, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return Result{}, false, nil
	}
	return Result{Text: text, Final: true}, true, nil
}

func (d *WindowDetector) Reset() {
	d.window.Clear()
	d.sinceLast = 0
}

func (d *WindowDetector) Close() error { return nil }
