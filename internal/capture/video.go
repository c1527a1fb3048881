package capture

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// videoDecoder reads frames from a video file using GoCV.
type videoDecoder struct {
	path    string
	capture *gocv.VideoCapture
	props   Properties
	mu      sync.Mutex
}

// OpenVideo opens the video file at path. It returns ErrSourceNotFound when
// the file does not exist and ErrSourceUnreadable when OpenCV cannot decode it.
func OpenVideo(path string) (Decoder, error) {
	if path == "" {
		return nil, errors.Wrap(ErrSourceNotFound, "empty source reference")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrSourceNotFound, "%s", path)
		}
		return nil, errors.Wrapf(ErrSourceUnreadable, "%s: %v", path, err)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrSourceUnreadable, "%s is a directory", path)
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnreadable, "%s: %v", path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Wrapf(ErrSourceUnreadable, "%s", path)
	}

	return &videoDecoder{
		path:    path,
		capture: capture,
		props: Properties{
			Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
			FPS:        capture.Get(gocv.VideoCaptureFPS),
			FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
		},
	}, nil
}

// Read decodes the next frame into dst.
func (d *videoDecoder) Read(dst *gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return false
	}
	return d.capture.Read(dst)
}

// Rewind seeks back to the first frame.
func (d *videoDecoder) Rewind() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return ErrSourceClosed
	}
	d.capture.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

// Properties returns the properties read when the file was opened.
func (d *videoDecoder) Properties() Properties {
	return d.props
}

// Close releases the capture handle.
func (d *videoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil
	}

	err := d.capture.Close()
	d.capture = nil
	return err
}
