package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind categorises a status message sent to a session client.
type Kind string

const (
	KindInfo       Kind = "info"
	KindTranscript Kind = "transcript"
	KindMatch      Kind = "match"
	KindError      Kind = "error"
)

// Literal status phrases. Clients may allow-list these for speech synthesis,
// so the text must stay stable.
const (
	TextListening     = "Listening started. Say trigger word."
	TextTriggered     = "Trigger word detected. Please say your command."
	TextMatched       = "Command matched. Are you sure? Say confirm or cancel."
	TextNoCommand     = "No command found. Exiting. Say trigger word again."
	TextNotUnderstood = "Did not understand. Please say confirm or cancel."
	TextConfirmed     = "Command confirmed. Executing command."
	TextCancelled     = "Command cancelled. Say trigger word again."
	TextNoResponse    = "No response detected. Exiting. Say trigger word again."

	transcriptPrefix = "Transcript: "
	framesPrefix     = "Confirmation frames collected: "
	errorPrefix      = "Error: "
)

// Message is one outbound status update.
type Message struct {
	Kind    Kind   `json:"kind"`
	Text    string `json:"text"`
	Command string `json:"command,omitempty"`
}

func Info(text string) Message { return Message{Kind: KindInfo, Text: text} }

func Transcript(text string) Message {
	return Message{Kind: KindTranscript, Text: transcriptPrefix + text}
}

func Matched(command string) Message {
	return Message{Kind: KindMatch, Text: TextMatched, Command: command}
}

func NoCommand() Message { return Message{Kind: KindMatch, Text: TextNoCommand} }

func FramesCollected(n int) Message {
	return Message{Kind: KindInfo, Text: framesPrefix + strconv.Itoa(n)}
}

func Error(err error) Message {
	return Message{Kind: KindError, Text: errorPrefix + err.Error()}
}

// Encode renders the message for the wire. Format "json" produces the
// structured envelope; anything else produces the literal text.
func (m Message) Encode(format string) ([]byte, error) {
	if format == "json" {
		return json.Marshal(m)
	}
	return []byte(m.Text), nil
}

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// CommandEvent announces the outcome of a confirmation dialogue on the bus.
type CommandEvent struct {
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Outcome    string    `json:"outcome"`
	Transcript string    `json:"transcript,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	OutcomeConfirmed = "confirmed"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
)

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectCommandConfirmed = "cockpit.command.confirmed"
	SubjectCommandCancelled = "cockpit.command.cancelled"
	SubjectCommandExpired   = "cockpit.command.expired"
)

// SubjectForOutcome maps a command outcome to its bus subject.
func SubjectForOutcome(outcome string) string {
	switch outcome {
	case OutcomeConfirmed:
		return SubjectCommandConfirmed
	case OutcomeCancelled:
		return SubjectCommandCancelled
	default:
		return SubjectCommandExpired
	}
}

// AudioFrameSubject is the subject a device publishes its frames on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
