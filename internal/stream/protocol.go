// Package stream runs annotated detection streams and fans them out to viewers.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/ayusman/spotwise/internal/detector"
	"github.com/pkg/errors"
)

// ErrMalformedCommand is returned for inbound payloads that are not valid
// commands. It is recoverable: the payload is ignored.
var ErrMalformedCommand = errors.New("malformed command")

// CommandKind identifies a viewer command.
type CommandKind int

const (
	// CommandStart starts or resumes streaming.
	CommandStart CommandKind = iota + 1
	// CommandPause halts frame emission while keeping the source loaded.
	CommandPause
	// CommandStop halts streaming and releases the source.
	CommandStop
)

// String returns the wire name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandPause:
		return "pause"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Command is a parsed viewer command. VideoPath is only meaningful for start.
type Command struct {
	Kind      CommandKind
	VideoPath string
}

type inboundCommand struct {
	Command   *string `json:"command"`
	VideoPath string  `json:"video_path"`
}

// ParseCommand parses one inbound message.
func ParseCommand(data []byte) (Command, error) {
	var in inboundCommand
	if err := json.Unmarshal(data, &in); err != nil {
		return Command{}, errors.Wrapf(ErrMalformedCommand, "%v", err)
	}
	if in.Command == nil {
		return Command{}, errors.Wrap(ErrMalformedCommand, "missing command field")
	}

	cmd := Command{VideoPath: strings.TrimSpace(in.VideoPath)}
	switch *in.Command {
	case "start":
		cmd.Kind = CommandStart
	case "pause":
		cmd.Kind = CommandPause
	case "stop":
		cmd.Kind = CommandStop
	default:
		return Command{}, errors.Wrapf(ErrMalformedCommand, "unknown command %q", *in.Command)
	}
	return cmd, nil
}

// Outbound message types
const (
	TypeFrame  = "frame"
	TypeStatus = "status"
	TypeError  = "error"
)

// Error codes carried by error messages
const (
	CodeSourceLoadFailed  = "source_load_failed"
	CodeSourceExhausted   = "source_exhausted"
	CodeInvalidTransition = "invalid_transition"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FrameMessage carries one annotated frame.
type FrameMessage struct {
	Type       string          `json:"type"`
	Seq        uint64          `json:"seq"`
	Frame      string          `json:"frame"`
	Detections detector.Result `json:"detections"`
	FPS        float64         `json:"fps"`
	Resolution Resolution      `json:"resolution"`
}

// StatusMessage reports the session state after a command or state change.
type StatusMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorMessage reports a failed command or a terminal condition.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope decodes the type of any outbound message.
type Envelope struct {
	Type string `json:"type"`
}

func newStatus(state State, source, message string) StatusMessage {
	return StatusMessage{Type: TypeStatus, State: state.String(), Source: source, Message: message}
}

func newError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}
