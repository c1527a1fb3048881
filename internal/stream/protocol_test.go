package stream

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ayusman/spotwise/internal/detector"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		wantErr bool
	}{
		{name: "start", input: `{"command":"start"}`, want: Command{Kind: CommandStart}},
		{name: "start with path", input: `{"command":"start","video_path":"videos/lot.mp4"}`, want: Command{Kind: CommandStart, VideoPath: "videos/lot.mp4"}},
		{name: "path is trimmed", input: `{"command":"start","video_path":"  lot.mp4 "}`, want: Command{Kind: CommandStart, VideoPath: "lot.mp4"}},
		{name: "pause", input: `{"command":"pause"}`, want: Command{Kind: CommandPause}},
		{name: "stop", input: `{"command":"stop"}`, want: Command{Kind: CommandStop}},
		{name: "extra fields", input: `{"command":"stop","extra":1}`, want: Command{Kind: CommandStop}},
		{name: "not json", input: `not json`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
		{name: "missing command", input: `{"video_path":"lot.mp4"}`, wantErr: true},
		{name: "null command", input: `{"command":null}`, wantErr: true},
		{name: "unknown command", input: `{"command":"rewind"}`, wantErr: true},
		{name: "wrong type", input: `{"command":5}`, wantErr: true},
		{name: "array", input: `["start"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedCommand) {
					t.Errorf("ParseCommand() error = %v, want ErrMalformedCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommandKind_String(t *testing.T) {
	if CommandStart.String() != "start" || CommandPause.String() != "pause" || CommandStop.String() != "stop" {
		t.Error("unexpected command names")
	}
	if CommandKind(0).String() != "unknown" {
		t.Error("zero kind should be unknown")
	}
}

func TestFrameMessage_WireFormat(t *testing.T) {
	msg := FrameMessage{
		Type:  TypeFrame,
		Frame: "aGVsbG8=",
		Detections: detector.NewResult([]detector.Detection{
			{ClassID: 2, ClassName: "car", Confidence: 0.91, BoundingBox: detector.BoundingBox{X1: 1, Y1: 2, X2: 3, Y2: 4}},
		}),
		FPS:        30,
		Resolution: Resolution{Width: 1280, Height: 720},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var wire struct {
		Type       string  `json:"type"`
		Frame      string  `json:"frame"`
		FPS        float64 `json:"fps"`
		Detections struct {
			Detections []struct {
				ClassID    int     `json:"class_id"`
				ClassName  string  `json:"class_name"`
				Confidence float64 `json:"confidence"`
				BBox       struct {
					X1, Y1, X2, Y2 int
				} `json:"bbox"`
			} `json:"detections"`
			Count int `json:"count"`
		} `json:"detections"`
		Resolution struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"resolution"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if wire.Type != "frame" || wire.Frame != "aGVsbG8=" || wire.FPS != 30 {
		t.Errorf("wire = %+v", wire)
	}
	if wire.Detections.Count != 1 || len(wire.Detections.Detections) != 1 {
		t.Fatalf("detections = %+v", wire.Detections)
	}
	d := wire.Detections.Detections[0]
	if d.ClassID != 2 || d.ClassName != "car" || d.Confidence != 0.91 {
		t.Errorf("detection = %+v", d)
	}
	if d.BBox.X1 != 1 || d.BBox.Y1 != 2 || d.BBox.X2 != 3 || d.BBox.Y2 != 4 {
		t.Errorf("bbox = %+v", d.BBox)
	}
	if wire.Resolution.Width != 1280 || wire.Resolution.Height != 720 {
		t.Errorf("resolution = %+v", wire.Resolution)
	}
}

func TestFrameMessage_EmptyDetectionsIsArray(t *testing.T) {
	data, err := json.Marshal(FrameMessage{Type: TypeFrame, Detections: detector.NewResult(nil)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := string(wire["detections"]); got != `{"detections":[],"count":0}` {
		t.Errorf("detections = %s", got)
	}
}

func TestStatusAndErrorMessages(t *testing.T) {
	data, _ := json.Marshal(newStatus(StatePaused, "lot.mp4", ""))
	if got := string(data); got != `{"type":"status","state":"paused","source":"lot.mp4"}` {
		t.Errorf("status = %s", got)
	}

	data, _ = json.Marshal(newError(CodeSourceExhausted, "lot.mp4: source exhausted"))
	if got := string(data); got != `{"type":"error","code":"source_exhausted","message":"lot.mp4: source exhausted"}` {
		t.Errorf("error = %s", got)
	}
}
