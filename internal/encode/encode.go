// Package encode compresses annotated frames for transport.
package encode

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// ErrEncodingFailed is returned when a frame cannot be compressed. It is
// recoverable: the frame is skipped.
var ErrEncodingFailed = errors.New("encoding failed")

// Encoder produces JPEG bytes at a fixed quality.
type Encoder struct {
	quality int
}

// New returns an Encoder with the given JPEG quality (1-100).
// Out of range values fall back to DefaultQuality.
func New(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{quality: quality}
}

// Quality returns the JPEG quality target.
func (e *Encoder) Quality() int {
	return e.quality
}

// Encode compresses frame to JPEG.
func (e *Encoder) Encode(frame gocv.Mat) ([]byte, error) {
	if frame.Empty() {
		return nil, errors.Wrap(ErrEncodingFailed, "empty frame")
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, e.quality})
	if err != nil {
		return nil, errors.Wrapf(ErrEncodingFailed, "%v", err)
	}
	defer buf.Close()

	if buf.Len() == 0 {
		return nil, errors.Wrap(ErrEncodingFailed, "encoder produced no data")
	}

	// buf's memory is owned by OpenCV and freed on Close.
	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
