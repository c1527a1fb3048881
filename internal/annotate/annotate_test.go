package annotate

import (
	"bytes"
	"image"
	"testing"

	"github.com/ayusman/spotwise/internal/detector"
	"github.com/ayusman/spotwise/testdata"
	"gocv.io/x/gocv"
)

func carResult() detector.Result {
	return detector.NewResult([]detector.Detection{
		{
			ClassID:     detector.ClassCar,
			ClassName:   "car",
			Confidence:  0.91,
			BoundingBox: detector.BoundingBox{X1: 10, Y1: 40, X2: 120, Y2: 110},
		},
	})
}

func TestAnnotate_DoesNotMutateInput(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 0)
	defer frame.Close()
	before := frame.ToBytes()

	out := New().Annotate(frame, carResult())
	defer out.Close()

	if !bytes.Equal(before, frame.ToBytes()) {
		t.Error("input frame was modified")
	}
	if bytes.Equal(before, out.ToBytes()) {
		t.Error("output frame should differ from input")
	}
}

func TestAnnotate_PreservesDimensions(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 0)
	defer frame.Close()

	out := New().Annotate(frame, carResult())
	defer out.Close()

	if out.Cols() != frame.Cols() || out.Rows() != frame.Rows() {
		t.Errorf("output size = %dx%d, want %dx%d", out.Cols(), out.Rows(), frame.Cols(), frame.Rows())
	}
	if out.Type() != frame.Type() {
		t.Errorf("output type = %v, want %v", out.Type(), frame.Type())
	}
}

func TestAnnotate_DrawsGreenBox(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 0)
	defer frame.Close()

	out := New().Annotate(frame, carResult())
	defer out.Close()

	// Left edge of the box, well below the label.
	px := out.GetVecbAt(90, 10)
	if px[0] != 0 || px[1] != 255 || px[2] != 0 {
		t.Errorf("box edge pixel = %v, want green", px)
	}

	// Box interior stays untouched.
	px = out.GetVecbAt(90, 60)
	if px[0] != 0 || px[1] != 0 || px[2] != 0 {
		t.Errorf("box interior pixel = %v, want black", px)
	}
}

func TestAnnotate_OverlayWithoutDetections(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 0)
	defer frame.Close()
	before := frame.ToBytes()

	out := New().Annotate(frame, detector.NewResult(nil))
	defer out.Close()

	if bytes.Equal(before, out.ToBytes()) {
		t.Error("count overlay should be drawn when there are no detections")
	}

	// Bottom-right corner is far from the overlay.
	px := out.GetVecbAt(testdata.FrameHeight-1, testdata.FrameWidth-1)
	if px[0] != 0 || px[1] != 0 || px[2] != 0 {
		t.Errorf("corner pixel = %v, want black", px)
	}
}

func TestAnnotate_BoxAtFrameEdge(t *testing.T) {
	frame := testdata.SolidFrame(testdata.FrameWidth, testdata.FrameHeight, 0)
	defer frame.Close()

	result := detector.NewResult([]detector.Detection{
		{ClassID: detector.ClassBus, ClassName: "bus", Confidence: 0.7, BoundingBox: detector.BoundingBox{X1: 0, Y1: 0, X2: 50, Y2: 50}},
		{ClassID: detector.ClassTruck, ClassName: "truck", Confidence: 0.8, BoundingBox: detector.BoundingBox{X1: 300, Y1: 2, X2: 400, Y2: 300}},
	})

	out := New().Annotate(frame, result)
	defer out.Close()

	if out.Empty() {
		t.Fatal("output should not be empty")
	}
}

func TestAnnotate_EmptyFrame(t *testing.T) {
	frame := gocv.NewMat()
	defer frame.Close()

	out := New().Annotate(frame, carResult())
	defer out.Close()

	if !out.Empty() {
		t.Error("annotating an empty frame should return an empty frame")
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		detection detector.Detection
		want      string
	}{
		{detector.Detection{ClassName: "car", Confidence: 0.91}, "car: 0.91"},
		{detector.Detection{ClassName: "truck", Confidence: 0.506}, "truck: 0.51"},
		{detector.Detection{ClassName: "bus", Confidence: 1}, "bus: 1.00"},
	}

	for _, tt := range tests {
		if got := Label(tt.detection); got != tt.want {
			t.Errorf("Label(%+v) = %q, want %q", tt.detection, got, tt.want)
		}
	}
}

func TestOverlay(t *testing.T) {
	if got := Overlay(0); got != "Cars Detected: 0" {
		t.Errorf("Overlay(0) = %q", got)
	}
	if got := Overlay(12); got != "Cars Detected: 12" {
		t.Errorf("Overlay(12) = %q", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want int
	}{
		{5, 0, 10, 5},
		{-3, 0, 10, 0},
		{15, 0, 10, 10},
		{5, 8, 2, 8},
	}

	for _, tt := range tests {
		if got := clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestLabelOrigin(t *testing.T) {
	const cols, rows = 320, 240
	label := image.Pt(60, 12)

	tests := []struct {
		name string
		box  detector.BoundingBox
		size image.Point
		want image.Point
	}{
		{"inside", detector.BoundingBox{X1: 100, Y1: 100, X2: 150, Y2: 150}, label, image.Pt(100, 100-LabelOffset)},
		{"top edge", detector.BoundingBox{X1: 100, Y1: 0, X2: 150, Y2: 50}, label, image.Pt(100, label.Y+LabelOffset)},
		{"right edge", detector.BoundingBox{X1: 300, Y1: 100, X2: 319, Y2: 150}, label, image.Pt(cols-label.X, 100-LabelOffset)},
		{"wider than frame", detector.BoundingBox{X1: 300, Y1: 100, X2: 319, Y2: 150}, image.Pt(cols+40, 12), image.Pt(0, 100-LabelOffset)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := labelOrigin(tt.box, tt.size, cols, rows); got != tt.want {
				t.Errorf("labelOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnnotate_LabelStaysInsideFrame(t *testing.T) {
	a := New()
	d := detector.Detection{ClassID: detector.ClassTruck, ClassName: "truck", Confidence: 0.8, BoundingBox: detector.BoundingBox{X1: 310, Y1: 100, X2: 319, Y2: 150}}
	size := gocv.GetTextSize(Label(d), a.font, LabelScale, LabelThickness)

	origin := labelOrigin(d.BoundingBox, size, testdata.FrameWidth, testdata.FrameHeight)
	if origin.X+size.X > testdata.FrameWidth {
		t.Errorf("label spans x %d..%d, frame width %d", origin.X, origin.X+size.X, testdata.FrameWidth)
	}
	if origin.X < 0 {
		t.Errorf("label starts at x %d", origin.X)
	}
}
