package session

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-cockpit/internal/protocol"
)

// State is the position of a session in the trigger/record/confirm lifecycle.
type State int

const (
	StateIdle State = iota
	StateTriggered
	StateAwaitingConfirmation
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action tells the driver which side effect the machine needs next.
type Action int

const (
	ActionNone Action = iota
	// ActionTranscribeCommand: the command utterance is complete.
	ActionTranscribeCommand
	// ActionConfirm: run a confirmation attempt.
	ActionConfirm
	// ActionExecute: the pending command was confirmed.
	ActionExecute
)

// Outcomes reported in Step.Outcome besides the protocol command outcomes.
const (
	OutcomeUnmatched = "unmatched"
	OutcomeFailed    = "failed"
)

// Step is the result of one transition: the messages to emit, in order, and
// the follow-up action.
type Step struct {
	Messages []protocol.Message
	Action   Action
	Command  string
	Outcome  string
}

// Limits bounds the protocol.
type Limits struct {
	SilenceThreshold int
	MaxAttempts      int
	ConfirmWord      string
	CancelWord       string
}

// Machine holds one session's protocol state. It performs no I/O, so every
// transition can be exercised directly.
type Machine struct {
	limits  Limits
	state   State
	buffer  [][]byte
	silence int
	pending string
	attempt int
}

func NewMachine(limits Limits) *Machine {
	if limits.MaxAttempts <= 0 {
		limits.MaxAttempts = 2
	}
	if limits.SilenceThreshold <= 0 {
		limits.SilenceThreshold = 30
	}
	if limits.ConfirmWord == "" {
		limits.ConfirmWord = "confirm"
	}
	if limits.CancelWord == "" {
		limits.CancelWord = "cancel"
	}
	limits.ConfirmWord = strings.ToLower(limits.ConfirmWord)
	limits.CancelWord = strings.ToLower(limits.CancelWord)
	return &Machine{limits: limits}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Pending() string { return m.pending }
func (m *Machine) Attempt() int { return m.attempt }
func (m *Machine) BufferLen() int { return len(m.buffer) }
func (m *Machine) SilenceCount() int { return m.silence }

// Utterance returns the buffered chunks concatenated in arrival order.
func (m *Machine) Utterance() []byte {
	size := 0
	for _, c := range m.buffer {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range m.buffer {
		out = append(out, c...)
	}
	return out
}

// Trigger starts recording a command. It is ignored unless the session is
// idle.
func (m *Machine) Trigger() Step {
	if m.state != StateIdle {
		return Step{}
	}
	m.state = StateTriggered
	m.buffer = nil
	m.silence = 0
	m.attempt = 0
	return Step{Messages: []protocol.Message{protocol.Info(protocol.TextTriggered)}}
}

// Chunk records audio while a command or confirmation utterance is being
// captured. Chunks in any other state are ignored.
func (m *Machine) Chunk(chunk []byte) Step {
	switch m.state {
	case StateTriggered:
		m.buffer = append(m.buffer, chunk)
		m.silence++
		if m.silence > m.limits.SilenceThreshold && len(m.buffer) > 0 {
			return Step{Action: ActionTranscribeCommand}
		}
	case StateAwaitingConfirmation:
		m.buffer = append(m.buffer, chunk)
	}
	return Step{}
}

// CommandTranscribed applies the transcription and match result for the
// command utterance.
func (m *Machine) CommandTranscribed(text, command string, matched bool, err error) Step {
	if m.state != StateTriggered {
		return Step{}
	}
	m.buffer = nil
	m.silence = 0
	if err != nil {
		m.state = StateIdle
		return Step{Messages: []protocol.Message{protocol.Error(err)}, Outcome: OutcomeFailed}
	}
	msgs := []protocol.Message{protocol.Transcript(text)}
	if !matched || command == "" {
		m.state = StateIdle
		return Step{Messages: append(msgs, protocol.NoCommand()), Outcome: OutcomeUnmatched}
	}
	m.state = StateAwaitingConfirmation
	m.pending = command
	m.attempt = 0
	return Step{
		Messages: append(msgs, protocol.Matched(command)),
		Action:   ActionConfirm,
		Command:  command,
	}
}

// BeginAttempt starts a confirmation recording window with an empty buffer.
func (m *Machine) BeginAttempt() {
	if m.state == StateAwaitingConfirmation {
		m.buffer = nil
	}
}

// RecordingClosed ends the confirmation recording window.
func (m *Machine) RecordingClosed() Step {
	if m.state != StateAwaitingConfirmation {
		return Step{}
	}
	return Step{Messages: []protocol.Message{protocol.FramesCollected(len(m.buffer))}}
}

// ConfirmationTranscribed decides the pending command from the confirmation
// transcript. Only the last word counts.
func (m *Machine) ConfirmationTranscribed(text string, err error) Step {
	if m.state != StateAwaitingConfirmation {
		return Step{}
	}
	m.buffer = nil
	command := m.pending
	if err != nil {
		m.reset()
		return Step{Messages: []protocol.Message{protocol.Error(err)}, Command: command, Outcome: OutcomeFailed}
	}

	msgs := []protocol.Message{protocol.Transcript(text)}
	switch LastWord(text) {
	case m.limits.ConfirmWord:
		m.reset()
		return Step{
			Messages: append(msgs, protocol.Info(protocol.TextConfirmed)),
			Action:   ActionExecute,
			Command:  command,
			Outcome:  protocol.OutcomeConfirmed,
		}
	case m.limits.CancelWord:
		m.reset()
		return Step{
			Messages: append(msgs, protocol.Info(protocol.TextCancelled)),
			Command:  command,
			Outcome:  protocol.OutcomeCancelled,
		}
	}

	if m.attempt+1 < m.limits.MaxAttempts {
		m.attempt++
		return Step{
			Messages: append(msgs, protocol.Info(protocol.TextNotUnderstood)),
			Action:   ActionConfirm,
			Command:  command,
		}
	}
	m.reset()
	return Step{
		Messages: append(msgs, protocol.Info(protocol.TextNoResponse)),
		Command:  command,
		Outcome:  protocol.OutcomeExpired,
	}
}

// Abort returns to Idle after a capability failure outside transcription.
func (m *Machine) Abort() {
	if m.state != StateClosed {
		m.reset()
	}
}

// Close terminates the session. No further transitions happen.
func (m *Machine) Close() {
	m.reset()
	m.state = StateClosed
}

func (m *Machine) reset() {
	m.state = StateIdle
	m.buffer = nil
	m.silence = 0
	m.pending = ""
	m.attempt = 0
}

// Check verifies the structural invariants of the session.
func (m *Machine) Check() error {
	if (m.pending != "") != (m.state == StateAwaitingConfirmation) {
		return fmt.Errorf("pending command %q in state %s", m.pending, m.state)
	}
	if len(m.buffer) > 0 && (m.state == StateIdle || m.state == StateClosed) {
		return fmt.Errorf("%d buffered chunks in state %s", len(m.buffer), m.state)
	}
	if m.attempt < 0 || m.attempt >= m.limits.MaxAttempts {
		return errors.New("confirmation attempt out of range")
	}
	return nil
}

// LastWord returns the final word of text, lower-cased and stripped of
// surrounding punctuation.
func LastWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	word := strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToLower(word)
}
