// Package testdata provides synthetic frames for tests.
package testdata

import (
	"gocv.io/x/gocv"
)

// Default fixture dimensions.
const (
	FrameWidth  = 320
	FrameHeight = 240
)

// SolidFrame returns a BGR frame of the given size filled with one gray level.
// The caller is responsible for closing the returned Mat.
func SolidFrame(width, height int, level float64) gocv.Mat {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	mat.SetTo(gocv.NewScalar(level, level, level, 0))
	return mat
}

// Sequence returns n frames of the default size whose gray level encodes
// their position, so frame i has every pixel equal to i*10.
func Sequence(n int) []gocv.Mat {
	frames := make([]gocv.Mat, n)
	for i := range frames {
		frames[i] = SolidFrame(FrameWidth, FrameHeight, float64(i*10))
	}
	return frames
}

// CloseAll closes every frame in frames.
func CloseAll(frames []gocv.Mat) {
	for i := range frames {
		frames[i].Close()
	}
}

// Level returns the blue channel value of the top-left pixel.
func Level(mat gocv.Mat) int {
	return int(mat.GetVecbAt(0, 0)[0])
}
