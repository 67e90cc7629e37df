package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/audio"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/stt"
	"github.com/loqalabs/loqa-cockpit/internal/trigger"
	"github.com/loqalabs/loqa-cockpit/internal/vocabulary"
)

var triggerChunk = []byte("TRIGGER!")

func silence(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{0, 0}
	}
	return out
}

func script(parts ...[][]byte) [][]byte {
	var out [][]byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fakeQueue replays scripted chunks. Once the script is exhausted it either
// keeps producing silence, reports closure, or times out.
type fakeQueue struct {
	mu      sync.Mutex
	chunks  [][]byte
	endless bool
	closed  bool
	drains  int
}

func (q *fakeQueue) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	if len(q.chunks) > 0 {
		chunk := q.chunks[0]
		q.chunks = q.chunks[1:]
		q.mu.Unlock()
		return chunk, nil
	}
	endless, closed := q.endless, q.closed
	q.mu.Unlock()
	switch {
	case endless:
		return []byte{0, 0}, nil
	case closed:
		return nil, audio.ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(timeout, 2*time.Millisecond)):
		return nil, audio.ErrNoChunk
	}
}

func (q *fakeQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drains++
	return 0
}

// fakeDetector fires on triggerChunk only. With err set it fails on every
// chunk, or only on failOn when that is set.
type fakeDetector struct {
	resets int
	err    error
	failOn []byte
}

func (d *fakeDetector) Ingest(_ context.Context, chunk []byte) (trigger.Result, bool, error) {
	if d.err != nil && (d.failOn == nil || string(chunk) == string(d.failOn)) {
		return trigger.Result{}, false, d.err
	}
	if string(chunk) == string(triggerChunk) {
		return trigger.Result{Text: "hey System", Final: true}, true, nil
	}
	return trigger.Result{}, false, nil
}

func (d *fakeDetector) Reset()       { d.resets++ }
func (d *fakeDetector) Close() error { return nil }

type reply struct {
	text string
	err  error
}

type fakeTranscriber struct {
	mu      sync.Mutex
	replies []reply
	sizes   []int
	started chan struct{}
	release chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, _ int, _ int) (stt.TranscriptResult, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, len(pcm))
	if len(f.replies) == 0 {
		return stt.TranscriptResult{}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return stt.TranscriptResult{Text: r.text}, r.err
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sizes)
}

// recordingSink collects messages and cancels the session once stop matches.
type recordingSink struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	stop   func(protocol.Message, int) bool
	cancel context.CancelFunc
	failAt int
}

func (s *recordingSink) Send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.msgs)+1 == s.failAt {
		return errors.New("connection reset by peer")
	}
	s.msgs = append(s.msgs, msg)
	if s.stop != nil && s.stop(msg, len(s.msgs)) {
		s.cancel()
	}
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Text
	}
	return out
}

func stopOn(text string) func(protocol.Message, int) bool {
	return func(m protocol.Message, _ int) bool { return m.Text == text }
}

type fakeExecutor struct {
	events []protocol.CommandEvent
	err    error
}

func (e *fakeExecutor) Publish(_ context.Context, evt protocol.CommandEvent) error {
	e.events = append(e.events, evt)
	return e.err
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []eventstore.Entry
}

func (j *fakeJournal) Append(_ context.Context, e eventstore.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

type harness struct {
	queue       *fakeQueue
	detector    *fakeDetector
	transcriber *fakeTranscriber
	sink        *recordingSink
	executor    *fakeExecutor
	journal     *fakeJournal
	runner      *Runner
	ctx         context.Context
	cancel      context.CancelFunc
}

func newHarness(t *testing.T, chunks [][]byte, replies ...reply) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	h := &harness{
		queue:       &fakeQueue{chunks: chunks},
		detector:    &fakeDetector{},
		transcriber: &fakeTranscriber{replies: replies},
		executor:    &fakeExecutor{},
		journal:     &fakeJournal{},
		ctx:         ctx,
		cancel:      cancel,
	}
	h.sink = &recordingSink{cancel: cancel}
	vocab := vocabulary.New([]string{"engage autopilot", "lower landing gear"})
	h.runner = NewRunner(Options{
		ID:            "test-session",
		Limits:        Limits{SilenceThreshold: 30, MaxAttempts: 2},
		TriggerWords:  []string{"system"},
		Format:        audio.Format{SampleRate: 16000, Channels: 1, ChunkSize: 1024},
		ConfirmWindow: 3 * time.Second,
		PollInterval:  5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Executor:      h.executor,
		Journal:       h.journal,
	}, Capabilities{
		Detector:    h.detector,
		Transcriber: h.transcriber,
		Matcher:     vocabulary.NewMatcher(vocab, 0.6),
	}, h.queue, h.sink)
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	err := h.runner.Run(h.ctx)
	if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("session did not finish; messages so far: %q", h.sink.texts())
	}
	return err
}

func assertMessages(t *testing.T, got, want []string) {
	t.Helper()
	if !equal(got, want) {
		t.Fatalf("messages mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestTriggerGating(t *testing.T) {
	h := newHarness(t, silence(200))
	h.sink.stop = nil
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := h.runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{protocol.TextListening})
	if h.transcriber.calls() != 0 {
		t.Fatalf("transcriber must not run without a trigger, got %d calls", h.transcriber.calls())
	}
}

func TestCommandMatchMessageOrder(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)), reply{text: "please engage autopilot"})
	h.sink.stop = stopOn(protocol.TextMatched)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		protocol.TextTriggered,
		"Transcript: please engage autopilot",
		protocol.TextMatched,
	})
	if h.transcriber.sizes[0] != 31*2 {
		t.Fatalf("expected the 31 post-trigger chunks to be transcribed, got %d bytes", h.transcriber.sizes[0])
	}
	if h.queue.drains == 0 || h.detector.resets == 0 {
		t.Fatal("trigger should drain the queue and reset the detector")
	}
}

func TestConfirmedCommandIsPublished(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)),
		reply{text: "engage autopilot"}, reply{text: "uh yeah confirm"})
	h.queue.endless = true
	h.sink.stop = stopOn(protocol.TextConfirmed)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		protocol.TextTriggered,
		"Transcript: engage autopilot",
		protocol.TextMatched,
		"Confirmation frames collected: 46",
		"Transcript: uh yeah confirm",
		protocol.TextConfirmed,
	})
	if len(h.executor.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(h.executor.events))
	}
	evt := h.executor.events[0]
	if evt.Outcome != protocol.OutcomeConfirmed || evt.Command != "engage autopilot" || evt.SessionID != "test-session" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Transcript != "uh yeah confirm" {
		t.Fatalf("event should carry the confirmation transcript, got %q", evt.Transcript)
	}
}

func TestLastWordCancels(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)),
		reply{text: "lower landing gear"}, reply{text: "confirm cancel"})
	h.queue.endless = true
	h.sink.stop = stopOn(protocol.TextCancelled)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.executor.events) != 1 || h.executor.events[0].Outcome != protocol.OutcomeCancelled {
		t.Fatalf("expected a cancelled event, got %+v", h.executor.events)
	}
}

func TestConfirmationExhaustsAttempts(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)),
		reply{text: "engage autopilot"}, reply{text: "what"}, reply{text: "confirmed it"})
	h.queue.endless = true
	h.sink.stop = stopOn(protocol.TextNoResponse)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts()[3:], []string{
		protocol.TextMatched,
		"Confirmation frames collected: 46",
		"Transcript: what",
		protocol.TextNotUnderstood,
		"Confirmation frames collected: 46",
		"Transcript: confirmed it",
		protocol.TextNoResponse,
	})
	if h.transcriber.calls() != 3 {
		t.Fatalf("expected exactly two confirmation transcriptions, got %d total calls", h.transcriber.calls())
	}
	if len(h.executor.events) != 1 || h.executor.events[0].Outcome != protocol.OutcomeExpired {
		t.Fatalf("expected an expired event, got %+v", h.executor.events)
	}
}

func TestNoMatchReturnsToIdleWithoutLeakingAudio(t *testing.T) {
	chunks := script(
		[][]byte{triggerChunk}, silence(31),
		silence(5),
		[][]byte{triggerChunk}, silence(31),
	)
	h := newHarness(t, chunks, reply{text: "what time is it"}, reply{text: "lower landing gear"})
	h.sink.stop = stopOn(protocol.TextMatched)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		protocol.TextTriggered,
		"Transcript: what time is it",
		protocol.TextNoCommand,
		protocol.TextTriggered,
		"Transcript: lower landing gear",
		protocol.TextMatched,
	})
	for i, size := range h.transcriber.sizes {
		if size != 31*2 {
			t.Fatalf("cycle %d transcribed %d bytes, want %d", i, size, 31*2)
		}
	}
}

func TestTranscriberFailureDuringConfirmationIsRecovered(t *testing.T) {
	chunks := script(
		[][]byte{triggerChunk}, silence(31),
		silence(46),
		[][]byte{triggerChunk},
	)
	h := newHarness(t, chunks, reply{text: "engage autopilot"}, reply{err: errors.New("decoder crashed")})
	h.sink.stop = func(m protocol.Message, n int) bool { return n > 6 && m.Text == protocol.TextTriggered }

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts()[3:], []string{
		protocol.TextMatched,
		"Confirmation frames collected: 46",
		"Error: decoder crashed",
		protocol.TextTriggered,
	})
	if len(h.executor.events) != 0 {
		t.Fatalf("failed confirmation must not publish, got %+v", h.executor.events)
	}
}

func TestTranscriberFailureOnCommand(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)), reply{err: errors.New("model not loaded")})
	h.sink.stop = func(m protocol.Message, _ int) bool { return m.Kind == protocol.KindError }

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		protocol.TextTriggered,
		"Error: model not loaded",
	})
}

func TestDetectorFailureReportedOnce(t *testing.T) {
	h := newHarness(t, silence(50))
	h.detector.err = errors.New("keyword model missing")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := h.runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		"Error: keyword model missing",
	})
}

func TestDetectorFailureReportedAgainAfterRecovery(t *testing.T) {
	fail := []byte("FAIL")
	h := newHarness(t, script(
		[][]byte{fail, fail, triggerChunk},
		silence(31),
		[][]byte{fail, fail},
	), reply{text: "hello there"})
	h.detector.err = errors.New("keyword model missing")
	h.detector.failOn = fail
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := h.runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertMessages(t, h.sink.texts(), []string{
		protocol.TextListening,
		"Error: keyword model missing",
		protocol.TextTriggered,
		"Transcript: hello there",
		protocol.TextNoCommand,
		"Error: keyword model missing",
	})
}

func TestTransportFailureEndsSession(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)), reply{text: "engage autopilot"})
	h.sink.failAt = 2

	err := h.run(t)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if h.transcriber.calls() != 0 {
		t.Fatal("session must stop consuming audio after a transport failure")
	}
}

func TestAudioSourceClosedEndsSession(t *testing.T) {
	h := newHarness(t, silence(3))
	h.queue.closed = true

	err := h.run(t)
	if err == nil {
		t.Fatal("expected an error when the audio source stops")
	}
	got := h.sink.texts()
	if !strings.HasPrefix(got[len(got)-1], "Error: ") {
		t.Fatalf("expected a final error message, got %q", got)
	}
}

func TestDisconnectDiscardsInFlightTranscription(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)), reply{text: "engage autopilot"})
	started := make(chan struct{})
	h.transcriber.started = started
	h.transcriber.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(h.ctx) }()

	<-started
	h.cancel()
	close(h.transcriber.release)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, text := range h.sink.texts() {
		if strings.HasPrefix(text, "Transcript:") {
			t.Fatalf("transcript emitted after disconnect: %q", h.sink.texts())
		}
	}
}

func TestExecutorFailureIsReported(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)),
		reply{text: "engage autopilot"}, reply{text: "confirm"})
	h.queue.endless = true
	h.executor.err = errors.New("no responders")
	h.sink.stop = func(m protocol.Message, _ int) bool { return m.Kind == protocol.KindError }

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := h.sink.texts()
	assertMessages(t, got[len(got)-2:], []string{protocol.TextConfirmed, "Error: no responders"})
}

func TestJournalRecordsMessagesAndOutcome(t *testing.T) {
	h := newHarness(t, script([][]byte{triggerChunk}, silence(31)),
		reply{text: "engage autopilot"}, reply{text: "cancel"})
	h.queue.endless = true
	h.sink.stop = stopOn(protocol.TextCancelled)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	msgs := len(h.sink.texts())
	if len(h.journal.entries) != msgs+1 {
		t.Fatalf("expected %d entries, got %d", msgs+1, len(h.journal.entries))
	}
	last := h.journal.entries[len(h.journal.entries)-1]
	if last.Kind != eventstore.KindOutcome || last.Text != protocol.OutcomeCancelled || last.Command != "engage autopilot" {
		t.Fatalf("unexpected outcome entry %+v", last)
	}
}

func TestFramesForWindow(t *testing.T) {
	format := audio.Format{SampleRate: 16000, ChunkSize: 1024}
	if got := FramesForWindow(format, 3*time.Second); got != 46 {
		t.Fatalf("expected 46 frames, got %d", got)
	}
	if got := FramesForWindow(format, time.Millisecond); got != 1 {
		t.Fatalf("expected at least one frame, got %d", got)
	}
}

// pcmTranscriber keeps every utterance it is asked to transcribe.
type pcmTranscriber struct {
	mu      sync.Mutex
	replies []string
	pcm     [][]byte
}

func (p *pcmTranscriber) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (stt.TranscriptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pcm = append(p.pcm, append([]byte(nil), pcm...))
	if len(p.replies) == 0 {
		return stt.TranscriptResult{}, nil
	}
	text := p.replies[0]
	p.replies = p.replies[1:]
	return stt.TranscriptResult{Text: text}, nil
}

func TestAudioQueuedDuringSettleDelayIsDiscarded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := audio.NewQueue(64)
	triggered := make(chan struct{}, 1)
	matched := make(chan struct{}, 1)
	sink := &recordingSink{cancel: cancel}
	sink.stop = func(m protocol.Message, _ int) bool {
		switch m.Text {
		case protocol.TextTriggered:
			triggered <- struct{}{}
		case protocol.TextMatched:
			matched <- struct{}{}
		case protocol.TextConfirmed:
			return true
		}
		return false
	}
	transcriber := &pcmTranscriber{replies: []string{"engage autopilot", "confirm"}}
	stale := []byte("stale-prompt-audio")
	fresh := []byte("fresh")

	// 1600-sample chunks at 16 kHz: a 300ms window is 3 frames.
	runner := NewRunner(Options{
		ID:            "settle",
		Limits:        Limits{SilenceThreshold: 2, MaxAttempts: 2},
		TriggerWords:  []string{"system"},
		Format:        audio.Format{SampleRate: 16000, Channels: 1, ChunkSize: 1600},
		SettleDelay:   300 * time.Millisecond,
		ConfirmWindow: 300 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Executor:      &fakeExecutor{},
		Journal:       &fakeJournal{},
	}, Capabilities{
		Detector:    &fakeDetector{},
		Transcriber: transcriber,
		Matcher:     vocabulary.NewMatcher(vocabulary.New([]string{"engage autopilot"}), 0.4),
	}, queue, sink)

	go func() {
		queue.Push(triggerChunk)
		select {
		case <-triggered:
		case <-ctx.Done():
			return
		}
		for range 3 {
			queue.Push([]byte{0, 0})
		}
		select {
		case <-matched:
		case <-ctx.Done():
			return
		}
		// Prompt audio captured while the runner waits out the settle delay.
		for range 5 {
			queue.Push(stale)
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(400 * time.Millisecond)
		for range 3 {
			queue.Push(fresh)
		}
	}()

	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("session did not finish; messages so far: %q", sink.texts())
	}

	texts := sink.texts()
	if !containsText(texts, "Confirmation frames collected: 3") {
		t.Fatalf("expected three fresh frames, got %q", texts)
	}
	transcriber.mu.Lock()
	defer transcriber.mu.Unlock()
	if len(transcriber.pcm) != 2 {
		t.Fatalf("expected two transcriptions, got %d", len(transcriber.pcm))
	}
	window := string(transcriber.pcm[1])
	if strings.Contains(window, string(stale)) || window != strings.Repeat(string(fresh), 3) {
		t.Fatalf("confirmation window contains stale audio: %q", window)
	}
}

func containsText(texts []string, want string) bool {
	for _, text := range texts {
		if text == want {
			return true
		}
	}
	return false
}
