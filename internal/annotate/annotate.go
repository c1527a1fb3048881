// Package annotate draws detection results onto video frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"github.com/ayusman/spotwise/internal/detector"
	"gocv.io/x/gocv"
)

// Drawing constants
const (
	// BoxThickness is the outline width of detection rectangles
	BoxThickness = 2
	// LabelScale is the font scale of detection labels
	LabelScale = 0.5
	// LabelThickness is the stroke width of detection labels
	LabelThickness = 2
	// LabelOffset is the gap between a label baseline and its box
	LabelOffset = 5
	// OverlayScale is the font scale of the vehicle count overlay
	OverlayScale = 1.0
	// OverlayThickness is the stroke width of the vehicle count overlay
	OverlayThickness = 2
)

// OverlayOrigin is where the vehicle count overlay is drawn.
var OverlayOrigin = image.Pt(10, 30)

var (
	green = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	black = color.RGBA{R: 0, G: 0, B: 0, A: 0}
)

// Annotator renders detections and a vehicle count onto frames.
type Annotator struct {
	font      gocv.HersheyFont
	boxColor  color.RGBA
	textColor color.RGBA
}

// New returns an Annotator drawing green boxes with black label text.
func New() *Annotator {
	return &Annotator{
		font:      gocv.FontHersheySimplex,
		boxColor:  green,
		textColor: black,
	}
}

// Label formats the caption drawn above a detection.
func Label(d detector.Detection) string {
	return fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence)
}

// Overlay formats the vehicle count caption.
func Overlay(count int) string {
	return fmt.Sprintf("Cars Detected: %d", count)
}

// Annotate returns an annotated copy of frame. The input frame is never
// modified. The caller is responsible for closing the returned Mat.
//
// For each detection:
// 1. Draw the bounding box outline
// 2. Draw a filled label background sized to the rendered text
// 3. Draw the label text just above the top-left corner of the box
//
// The count overlay is drawn on every frame, including frames without detections.
func (a *Annotator) Annotate(frame gocv.Mat, result detector.Result) gocv.Mat {
	out := frame.Clone()
	if out.Empty() {
		return out
	}

	for _, d := range result.Detections {
		a.drawDetection(&out, d)
	}

	gocv.PutText(&out, Overlay(result.Count), OverlayOrigin, a.font, OverlayScale, a.boxColor, OverlayThickness)
	return out
}

func (a *Annotator) drawDetection(img *gocv.Mat, d detector.Detection) {
	b := d.BoundingBox
	gocv.Rectangle(img, image.Rect(b.X1, b.Y1, b.X2, b.Y2), a.boxColor, BoxThickness)

	label := Label(d)
	size := gocv.GetTextSize(label, a.font, LabelScale, LabelThickness)

	origin := labelOrigin(b, size, img.Cols(), img.Rows())
	background := image.Rect(origin.X, origin.Y-size.Y-LabelOffset, origin.X+size.X, origin.Y+LabelOffset)

	gocv.Rectangle(img, background, a.boxColor, -1)
	gocv.PutText(img, label, origin, a.font, LabelScale, a.textColor, LabelThickness)
}

// labelOrigin places a label of the given rendered size above the top-left
// corner of box, shifted so the label and its background stay inside the frame.
func labelOrigin(box detector.BoundingBox, size image.Point, cols, rows int) image.Point {
	return image.Pt(
		clamp(box.X1, 0, cols-size.X),
		clamp(box.Y1-LabelOffset, size.Y+LabelOffset, rows-1),
	)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
